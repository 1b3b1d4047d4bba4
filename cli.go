package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"

	"cosmic/server/internal/config"
	"cosmic/server/internal/store"
)

const usage = `Usage: server [flags] [command]

Commands:
  version                 print the server version
  status                  print message and room counts
  history <room> [limit]  print the most recent messages of a room
  backup [path]           copy the SQLite database to path

Without a command the server starts.
`

// RunCLI handles subcommand execution. handled is false when args do not
// name a known subcommand.
func RunCLI(ctx context.Context, args []string, cfg config.Config, out io.Writer) (handled bool, err error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(out, "cosmic server %s\n", Version)
		return true, nil
	case "status":
		return true, cliStatus(ctx, cfg, out)
	case "history":
		return true, cliHistory(ctx, args[1:], cfg, out)
	case "backup":
		return true, cliBackup(ctx, args[1:], cfg, out)
	case "help":
		fmt.Fprint(out, usage)
		return true, nil
	default:
		return false, nil
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.MessageStore, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}

func cliStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL != "" {
		fmt.Fprintf(out, "Database: postgres\n")
	} else {
		fmt.Fprintf(out, "Database: %s\n", cfg.DB)
	}
	fmt.Fprintf(out, "Messages: %d\n", stats.Messages)
	fmt.Fprintf(out, "Rooms: %d\n", stats.Rooms)
	fmt.Fprintf(out, "Version: %s\n", Version)
	return nil
}

func cliHistory(ctx context.Context, args []string, cfg config.Config, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: server history <room> [limit]")
	}
	room := args[0]
	limit := cfg.HistoryLimit
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.Recent(ctx, room, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "No messages in %q.\n", room)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Seq", "Sender", "Type", "Message", "TS", "Enc"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, e := range entries {
		table.Append([]string{
			strconv.FormatInt(e.Seq, 10),
			e.Sender,
			e.Kind,
			preview(e),
			e.TS,
			strconv.FormatBool(e.Encrypted),
		})
	}
	table.Render()
	return nil
}

// preview shortens a message body for the history table. File payloads are
// shown by name and size only.
func preview(e store.Entry) string {
	if e.Kind == store.KindFile {
		return fmt.Sprintf("%s (%d bytes)", e.Filename, len(e.Body))
	}
	if utf8.RuneCountInString(e.Body) <= previewRunes {
		return e.Body
	}
	runes := []rune(e.Body)
	return string(runes[:previewRunes-1]) + "…"
}

func cliBackup(ctx context.Context, args []string, cfg config.Config, out io.Writer) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	outPath := "cosmic-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(ctx, outPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Fprintf(out, "Database backed up to %s\n", outPath)
	return nil
}
