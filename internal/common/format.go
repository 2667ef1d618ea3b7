package common

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// DefaultWidth is the width of report separators.
const DefaultWidth = 80

const fieldWidth = 19

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintHeader prints a title between two separators, after a blank line
func PrintHeader(title string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a closing message between two separators
func PrintFooter(message string, width int) {
	fmt.Println("\n" + strings.Repeat("=", width))
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintField prints one aligned "Label: value" line of a report.
func PrintField(label string, value interface{}) {
	fmt.Printf("%-*s%v\n", fieldWidth, label+":", value)
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(width int) {
	fmt.Println("├" + strings.Repeat("─", width))
}

// BoxPrefix returns the box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// FormatSats renders an amount in sats with its BTC value.
func FormatSats(sats int64) string {
	return fmt.Sprintf("%d sats (%s)", sats, btcutil.Amount(sats))
}

// ShortTxId abbreviates a txid for list output.
func ShortTxId(txId string) string {
	if txId == "" {
		return "none"
	}
	if len(txId) > 8 {
		return txId[:8] + "..."
	}
	return txId
}
