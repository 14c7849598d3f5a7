package perf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// DefaultCSVPath is where the ledger is flushed after every turn
const DefaultCSVPath = "benchmark_results.csv"

var ErrBadHeader = errors.New("perf: unexpected CSV header")

var csvHeader = []string{
	"TurnID", "Timestamp", "VAD_Latency", "ASR_Latency", "LLM_TTFT",
	"TTS_Latency", "Total_E2E", "Tokens", "UserText",
}

// SaveCSV overwrites path with the full ledger
func (m *Monitor) SaveCSV(path string) error {
	records := m.Records()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := WriteCSV(f, records); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close metrics file: %w", err)
	}

	m.logger.Debug().
		Str("path", path).
		Int("rows", len(records)).
		Msg("Metrics exported")
	return nil
}

// LoadCSV reads a ledger previously written by SaveCSV
func LoadCSV(path string) ([]InteractionMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer f.Close()

	return ReadCSV(f)
}

// WriteCSV writes the header followed by one row per record
func WriteCSV(w io.Writer, records []InteractionMetrics) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			strconv.Itoa(rec.TurnID),
			rec.Timestamp,
			formatMs(rec.VADLatencyMs),
			formatMs(rec.ASRLatencyMs),
			formatMs(rec.LLMTTFTMs),
			formatMs(rec.TTSLatencyMs),
			formatMs(rec.TotalE2EMs),
			strconv.Itoa(rec.Tokens),
			rec.UserText,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write turn %d: %w", rec.TurnID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a ledger, validating the header
func ReadCSV(r io.Reader) ([]InteractionMetrics, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, name := range csvHeader {
		if header[i] != name {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, header[i], name)
		}
	}

	var records []InteractionMetrics
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func parseRow(row []string) (InteractionMetrics, error) {
	var (
		rec InteractionMetrics
		err error
	)

	if rec.TurnID, err = strconv.Atoi(row[0]); err != nil {
		return rec, fmt.Errorf("invalid TurnID %q: %w", row[0], err)
	}
	rec.Timestamp = row[1]

	floats := []*float64{&rec.VADLatencyMs, &rec.ASRLatencyMs, &rec.LLMTTFTMs, &rec.TTSLatencyMs, &rec.TotalE2EMs}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(row[2+i], 64); err != nil {
			return rec, fmt.Errorf("invalid %s %q: %w", csvHeader[2+i], row[2+i], err)
		}
	}

	if rec.Tokens, err = strconv.Atoi(row[7]); err != nil {
		return rec, fmt.Errorf("invalid Tokens %q: %w", row[7], err)
	}
	rec.UserText = row[8]
	return rec, nil
}

// formatMs uses the shortest representation that parses back to the same value
func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
