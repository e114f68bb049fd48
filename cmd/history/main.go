// Command history prints the most recent records of a relay history store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"textrelay/internal/store"
)

const previewWidth = 60

var errNoHistory = errors.New("no history at this path")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backend := flag.String("backend", string(store.BackendSQLite), "history backend: sqlite or badger")
	path := flag.String("path", "./data/history.db", "history database file (sqlite) or directory (badger)")
	n := flag.Int("n", 50, "number of records to print")
	plain := flag.Bool("plain", false, "disable colours")
	flag.Parse()

	// Opening a missing store would create an empty one.
	if err := checkExists(*path); err != nil {
		return err
	}
	history, err := store.Open(store.Backend(*backend), *path, logs.GetLoggerFromLevel(slog.LevelError))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer history.Close()

	records, err := history.Recent(context.Background(), *n)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	header := fmt.Sprintf("  ====== %s %s (%d records) ======", *backend, *path, len(records))
	if !*plain {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	fmt.Println(header)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "At", "Nickname", "Bytes", "Text"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, r := range records {
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.At.Format("2006-01-02 15:04:05"),
			r.Nickname,
			strconv.Itoa(len(r.Payload)),
			preview(r.Payload),
		})
	}
	table.Render()
	return nil
}

func checkExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", errNoHistory, path)
		}
		return err
	}
	return nil
}

// preview renders a payload on one line, quoting it when it is not printable
// UTF-8 and cutting it at previewWidth runes.
func preview(payload []byte) string {
	if !utf8.Valid(payload) {
		return fmt.Sprintf("%q", payload)
	}
	text := strconv.Quote(string(payload))
	text = text[1 : len(text)-1]
	if utf8.RuneCountInString(text) > previewWidth {
		runes := []rune(text)
		text = string(runes[:previewWidth]) + "…"
	}
	return text
}
