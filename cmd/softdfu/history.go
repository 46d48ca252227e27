package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ardnew/softdfu/config"
	"github.com/ardnew/softdfu/journal"
)

// journalDB is the part of the journal the command uses.
type journalDB interface {
	Record(ctx context.Context, e journal.Entry) error
	Recent(ctx context.Context, n int) ([]journal.Entry, error)
	LastSuccess(ctx context.Context, serial string) (journal.Entry, error)
	Close() error
}

func openJournal(cfg config.JournalConfig) (*journal.DB, error) {
	db, err := journal.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return db, nil
}

// printHistory writes the n most recent journal entries as a table.
func printHistory(ctx context.Context, w io.Writer, db journalDB, n int) error {
	entries, err := db.Recent(ctx, n)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDEVICE\tSERIAL\tSTATE\tBLOCKS\tTOOK\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%04x:%04x\t%s\t%s\t%d\t%v\t%s\n",
			e.Started.Local().Format(time.DateTime),
			e.VendorID, e.ProductID,
			e.Serial,
			e.State,
			e.Blocks,
			e.Duration.Round(time.Millisecond),
			e.Error)
	}
	return tw.Flush()
}
