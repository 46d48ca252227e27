// Package usbid names USB devices from a usb.ids database.
//
// The database lists vendors at column zero and their products indented by
// one tab, each as a four-digit hex ID followed by two spaces and a name:
//
//	0483  STMicroelectronics
//		df11  STM Device in DFU Mode
//
// Class, language, and other trailing sections are ignored.
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual locations of the usb.ids database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Names maps vendor and product IDs to names. The zero value knows no names.
type Names struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

// Open parses the first readable database in paths, or DefaultPaths when
// paths is empty.
func Open(paths ...string) (*Names, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		return Parse(f)
	}
	return nil, fmt.Errorf("usbid: no database in %s: %w", strings.Join(paths, ", "), os.ErrNotExist)
}

// Parse reads a usb.ids database from r.
func Parse(r io.Reader) (*Names, error) {
	n := &Names{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vid uint16
	inVendor := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor {
				continue
			}
			// Interface lines are indented twice
			if id, name, ok := entry(line[1:]); ok {
				n.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		if !ok {
			// "C 00  (Defined at Interface level)" and friends end the
			// vendor list
			inVendor = false
			continue
		}
		vid, inVendor = id, true
		n.vendors[vid] = name
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("usbid: %w", err)
	}
	return n, nil
}

// entry splits "xxxx  name".
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(line[5:])
	if name == "" {
		return 0, "", false
	}
	return uint16(id), name, true
}

// Vendor returns the vendor name, or "" if unknown.
func (n *Names) Vendor(vid uint16) string {
	if n == nil {
		return ""
	}
	return n.vendors[vid]
}

// Product returns the product name, or "" if unknown.
func (n *Names) Product(vid, pid uint16) string {
	if n == nil {
		return ""
	}
	return n.products[uint32(vid)<<16|uint32(pid)]
}

// Describe returns "vvvv:pppp" followed by whatever names are known.
func (n *Names) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := n.Vendor(vid); v != "" {
		s += " " + v
	}
	if p := n.Product(vid, pid); p != "" {
		s += " " + p
	}
	return s
}

// Len returns the number of vendors and products known.
func (n *Names) Len() (vendors, products int) {
	if n == nil {
		return 0, 0
	}
	return len(n.vendors), len(n.products)
}
