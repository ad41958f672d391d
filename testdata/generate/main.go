// Command generate writes demo feeds into testdata/: an MSC batch export,
// a Blueprint payments report and a QBO deposit query response. Load them
// with `reconciler import` or by starting the server with SEED_FIXTURES.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/ingestion"
)

type payment struct {
	id     string
	date   time.Time
	amount decimal.Decimal
	method string
	clinic string
}

type settlement struct {
	id       string
	date     time.Time
	total    decimal.Decimal
	payments []payment
}

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	// Two weeks of card settlements: 2024-03-04 to 2024-03-17.
	startDate := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	days := 14

	methods := []string{"Visa", "Mastercard", "Amex", "Discover"}
	clinics := []string{"Downtown", "Northside", "Harbor"}

	var settlements []settlement
	seq := 0
	for d := 0; d < days; d++ {
		date := startDate.AddDate(0, 0, d)
		// Sundays have no card batch.
		if date.Weekday() == time.Sunday {
			continue
		}
		s := settlement{id: fmt.Sprintf("MSC-%s", date.Format("20060102")), date: date}
		for i, n := 0, 1+rng.Intn(4); i < n; i++ {
			seq++
			p := payment{
				id:     fmt.Sprintf("BP-%05d", seq),
				date:   date.AddDate(0, 0, -rng.Intn(2)),
				amount: decimal.New(int64(2500+rng.Intn(47500)), -2),
				method: methods[rng.Intn(len(methods))],
				clinic: clinics[rng.Intn(len(clinics))],
			}
			// Roughly one payment in twelve is a refund.
			if rng.Float64() < 0.08 {
				p.amount = p.amount.Neg().Div(decimal.NewFromInt(4)).Round(2)
			}
			s.payments = append(s.payments, p)
			s.total = s.total.Add(p.amount)
		}
		settlements = append(settlements, s)
	}

	generateMSCCSV(settlements, baseDir)
	generateBlueprintCSV(rng, settlements, baseDir)
	generateDepositsJSON(rng, settlements, baseDir)

	fmt.Println("Test data generation complete.")
}

func generateMSCCSV(settlements []settlement, baseDir string) {
	filePath := filepath.Join(baseDir, "msc_batches.csv")
	f, err := os.Create(filePath)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	w.Write([]string{"Batch ID", "Batch Date", "Total Amount", "Description"})
	for _, s := range settlements {
		w.Write([]string{
			s.id,
			s.date.Format("2006-01-02"),
			currency.Format(s.total),
			fmt.Sprintf("Card settlement, %d items", len(s.payments)),
		})
	}

	fmt.Printf("Generated %d MSC batches -> msc_batches.csv\n", len(settlements))
}

func generateBlueprintCSV(rng *rand.Rand, settlements []settlement, baseDir string) {
	filePath := filepath.Join(baseDir, "blueprint_transactions.csv")
	f, err := os.Create(filePath)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	// Report exports carry a title line above the header.
	w.Write([]string{"Payments and Refunds (Cash Flow)"})
	w.Write([]string{"Transaction ID", "Date", "Amount", "Payment Method", "Notes", "Clinic"})

	count := 0
	for _, s := range settlements {
		for _, p := range s.payments {
			// 5% missing: the batch falls back to its deposit.
			if rng.Float64() < 0.05 {
				continue
			}
			note := "Patient payment"
			if p.amount.IsNegative() {
				note = "Refund"
			}
			w.Write([]string{
				p.id,
				p.date.Format("01/02/2006"),
				currency.Format(p.amount),
				p.method,
				note,
				p.clinic,
			})
			count++
		}
	}
	w.Write([]string{"", "", "", "", "", "Total"})

	fmt.Printf("Generated %d Blueprint transactions -> blueprint_transactions.csv\n", count)
}

func generateDepositsJSON(rng *rand.Rand, settlements []settlement, baseDir string) {
	var deposits []ingestion.QBODeposit
	for i, s := range settlements {
		roll := rng.Float64()

		// 10% missing: not yet booked in QBO.
		if roll > 0.90 {
			continue
		}

		total := s.total
		// 5% amount mismatch: the bank withheld a fee.
		if roll > 0.85 {
			total = total.Sub(decimal.New(int64(100+rng.Intn(900)), -2))
		}

		deposits = append(deposits, ingestion.QBODeposit{
			ID:          fmt.Sprintf("%d", 1000+i),
			TxnDate:     s.date.AddDate(0, 0, 1+rng.Intn(2)).Format("2006-01-02"),
			TotalAmt:    total,
			PrivateNote: "Merchant deposit " + s.id,
		})
	}

	output := map[string]any{
		"QueryResponse": map[string]any{
			"Deposit":       deposits,
			"startPosition": 1,
			"maxResults":    len(deposits),
		},
	}

	writeJSONFile(filepath.Join(baseDir, "qbo_deposits.json"), output)
	fmt.Printf("Generated %d QBO deposits -> qbo_deposits.json\n", len(deposits))
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
