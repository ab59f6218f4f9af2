package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"

	"payoutmgr/core/events"
)

type statusReport struct {
	Owner    string `json:"owner"`
	Issuer   string `json:"issuer"`
	Treasury string `json:"treasury"`
	Account  string `json:"account"`
	Paused   bool   `json:"paused"`
	Balance  string `json:"balance"`
}

func (c *cli) runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	decimals := fs.Int("decimals", -1, "token decimals used to format the balance")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var (
		report   statusReport
		owner    map[string]string
		issuer   map[string]string
		paused   map[string]bool
		balance  map[string]string
		requests = []struct {
			path string
			out  interface{}
		}{
			{"/v1/owner", &owner},
			{"/v1/issuer", &issuer},
			{"/v1/paused", &paused},
			{"/v1/balance", &balance},
		}
	)
	for _, req := range requests {
		if err := c.get(req.path, req.out); err != nil {
			return printError(stderr, err)
		}
	}
	report.Owner = owner["owner"]
	report.Issuer = issuer["issuer"]
	report.Paused = paused["paused"]
	report.Treasury = balance["treasury"]
	report.Account = balance["account"]
	report.Balance = balance["balance"]

	if *asJSON {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return printError(stderr, err)
		}
		fmt.Fprintln(stdout, string(encoded))
		return 0
	}
	digits, err := c.resolveDecimals(*decimals)
	if err != nil {
		return printError(stderr, err)
	}
	formatted := report.Balance
	if raw, ok := new(big.Int).SetString(report.Balance, 10); ok {
		formatted = fromBaseUnits(raw, digits)
	}
	fmt.Fprintf(stdout, "Owner:    %s\n", report.Owner)
	fmt.Fprintf(stdout, "Issuer:   %s\n", report.Issuer)
	fmt.Fprintf(stdout, "Treasury: %s\n", report.Treasury)
	fmt.Fprintf(stdout, "Account:  %s\n", report.Account)
	fmt.Fprintf(stdout, "Paused:   %t\n", report.Paused)
	fmt.Fprintf(stdout, "Balance:  %s\n", formatted)
	return 0
}

type eventsPage struct {
	Events []events.Entry `json:"events"`
	Next   uint64         `json:"next"`
	Head   uint64         `json:"head"`
}

const eventsPageSize = 500

func (c *cli) runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	from := fs.Uint64("from", 0, "first journal sequence to read")
	limit := fs.Int("limit", 0, "maximum records to return (0 reads to the head)")
	eventType := fs.String("type", "", "only return records of this type, e.g. payout.payed_out")
	file := fs.String("file", "", "write the records to this JSON file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *limit < 0 {
		return printError(stderr, fmt.Errorf("--limit must not be negative"))
	}
	records, err := c.collectEvents(*from, *limit, strings.TrimSpace(*eventType))
	if err != nil {
		return printError(stderr, err)
	}
	encoded, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return printError(stderr, err)
	}
	if *file != "" {
		if err := os.WriteFile(*file, append(encoded, '\n'), 0o644); err != nil {
			return printError(stderr, err)
		}
		fmt.Fprintf(stdout, "Wrote %d records to %s\n", len(records), *file)
		return 0
	}
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

// collectEvents pages through the journal until limit records are gathered
// or the head is reached.
func (c *cli) collectEvents(from uint64, limit int, eventType string) ([]events.Entry, error) {
	records := make([]events.Entry, 0)
	cursor := from
	for {
		query := url.Values{}
		query.Set("from", strconv.FormatUint(cursor, 10))
		query.Set("limit", strconv.Itoa(eventsPageSize))
		if eventType != "" {
			query.Set("type", eventType)
		}
		var page eventsPage
		if err := c.get("/v1/events?"+query.Encode(), &page); err != nil {
			return nil, err
		}
		for _, entry := range page.Events {
			records = append(records, entry)
			if limit > 0 && len(records) == limit {
				return records, nil
			}
		}
		if page.Next <= cursor || page.Next >= page.Head {
			return records, nil
		}
		cursor = page.Next
	}
}
