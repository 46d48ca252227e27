// Package config loads the softdfu configuration file.
//
// A configuration is read with [Load] or [Parse], checked with [Validate],
// and completed with [Normalize]. Validate never mutates its argument, so
// command-line overrides can be applied between the two passes.
//
// Example file:
//
//	image: firmware.bin
//	device:
//	  vendor_id: 0x0483
//	  product_id: 0xdf11
//	transfer:
//	  block_size: 1024
//	  enum_timeout: 30s
//	bus:
//	  kind: fifo
//	  dir: /tmp/usb-bus
//	journal:
//	  driver: sqlite
//	  dsn: /var/lib/softdfu/journal.db
//	notify:
//	  smtp:
//	    host: smtp.example.com
//	  to: [ops@example.com]
//	log:
//	  level: info
//	  format: dev
package config
