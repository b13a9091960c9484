package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"reversalBot/internal/domain"
)

var candidateHeader = []string{
	"symbol", "preferred_side", "atr", "range", "range_atr_ratio",
	"ref_open_time", "ref_close_time", "ref_open", "ref_high", "ref_low", "ref_close",
}

// WriteCandidatesToCSV writes candidates to filename, creating parent directories.
func WriteCandidatesToCSV(candidates []domain.VolatilityCandidate, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := WriteCandidates(file, candidates); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return file.Close()
}

// WriteCandidates writes candidates as CSV with a header row.
func WriteCandidates(w io.Writer, candidates []domain.VolatilityCandidate) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(candidateHeader); err != nil {
		return err
	}

	for _, c := range candidates {
		ratio := 0.0
		if c.ATR > 0 {
			ratio = c.Range / c.ATR
		}
		ref := c.Reference
		if err := writer.Write([]string{
			c.Symbol,
			string(c.PreferredSide),
			formatFloat(c.ATR),
			formatFloat(c.Range),
			strconv.FormatFloat(ratio, 'f', 4, 64),
			ref.OpenTime.UTC().Format(time.RFC3339),
			ref.CloseTime.UTC().Format(time.RFC3339),
			formatFloat(ref.Open),
			formatFloat(ref.High),
			formatFloat(ref.Low),
			formatFloat(ref.Close),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
