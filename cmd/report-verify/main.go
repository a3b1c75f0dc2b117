// Command report-verify recomputes the canonical checksum of a saved
// reconciliation report and compares it against the embedded one, so a report
// handed between operators can be checked for tampering or truncation.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"ledger-engine/internal/ledger"
)

func main() {
	var (
		inPath   = flag.String("in", "", "reconciliation report JSON file")
		expected = flag.String("checksum", "", "expected checksum hex (defaults to the one embedded in the report)")
	)
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(2)
	}

	var report ledger.ReconciliationReport
	if err := json.Unmarshal(raw, &report); err != nil {
		fmt.Fprintln(os.Stderr, "parse:", err)
		os.Exit(2)
	}

	want := *expected
	if want == "" {
		want = report.Checksum
	}
	if want == "" {
		fmt.Fprintln(os.Stderr, "report carries no checksum and none was given")
		os.Exit(2)
	}

	got, err := ledger.ChecksumReport(&report)
	if err != nil {
		fmt.Fprintln(os.Stderr, "checksum:", err)
		os.Exit(2)
	}

	if got != want {
		fmt.Fprintf(os.Stderr, "MISMATCH\n  want %s\n  got  %s\n", want, got)
		os.Exit(1)
	}

	fmt.Printf("OK %s (%d accounts, %d discrepancies)\n", got, report.AccountsChecked, len(report.Discrepancies))
}
