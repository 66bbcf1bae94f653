package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/keeper/storage"
)

// Prints the submission ledger: outcome totals and the latest attempts.
func main() {
	limit := flag.Int("n", 25, "number of recent attempts to show")
	flag.Parse()

	godotenv.Load()

	dsn := os.Getenv("DATABASE_PATH")
	if dsn == "" {
		dsn = "data/keeper.db"
	}

	ledger, err := storage.Open(dsn)
	if err != nil {
		fmt.Println("❌ Error opening ledger:", err)
		os.Exit(1)
	}
	defer ledger.Close()

	counts, err := ledger.OutcomeCounts()
	if err != nil {
		fmt.Println("❌ Error counting outcomes:", err)
		os.Exit(1)
	}

	var total int64
	outcomes := make([]string, 0, len(counts))
	for o, n := range counts {
		outcomes = append(outcomes, o)
		total += n
	}
	sort.Strings(outcomes)

	fmt.Printf("📊 SUBMISSION LEDGER - Total Attempts: %d\n\n", total)
	for _, o := range outcomes {
		fmt.Printf("   %-10s %6d  (%.1f%%)\n", o, counts[o], float64(counts[o])/float64(total)*100)
	}

	attempts, err := ledger.Recent(*limit)
	if err != nil {
		fmt.Println("❌ Error fetching attempts:", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ TIME     │ ACTION  │ ORDER    │ OUTCOME    │ GAS (gwei) │ MULT    │ TX")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	for _, a := range attempts {
		gwei := "-"
		if p, err := decimal.NewFromString(a.GasPrice); err == nil {
			gwei = p.Shift(-9).StringFixed(2)
		}
		tx := a.TxHash
		if tx == "" {
			tx = a.Error
		}
		fmt.Printf("│ %s │ %-7s │ %8d │ %-10s │ %10s │ %6.3fx │ %s\n",
			a.StartedAt.Format("15:04:05"),
			a.Action,
			a.OrderID,
			a.Outcome,
			gwei,
			a.Multiplier,
			tx,
		)
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	if len(attempts) > 0 {
		first := attempts[len(attempts)-1]
		last := attempts[0]
		fmt.Printf("\n   Date Range: %s to %s\n",
			first.StartedAt.Format("Jan 2 15:04"),
			last.StartedAt.Format("Jan 2 15:04"),
		)
	}
}
