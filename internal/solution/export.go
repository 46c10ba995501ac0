package solution

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
)

// ExportData is the JSON shape of one exported run.
type ExportData struct {
	ID          string               `json:"id"`
	Description string               `json:"description"`
	Mode        string               `json:"mode"`
	Solver      string               `json:"solver"`
	Status      string               `json:"status"`
	Objective   float64              `json:"objective"`
	Points      int                  `json:"points"`
	Times       []float64            `json:"times"`
	Series      map[string][]float64 `json:"series"`
}

func exportData(meta RunMeta, rec *Record) (ExportData, error) {
	data := ExportData{
		ID:          meta.ID,
		Description: meta.Description,
		Mode:        meta.Mode,
		Solver:      meta.Solver,
		Status:      meta.Status,
		Objective:   meta.Objective,
		Points:      rec.Len(),
		Times:       rec.Times(),
		Series:      make(map[string][]float64, len(rec.Symbols())),
	}
	for _, name := range rec.Symbols() {
		series, err := rec.Series(name)
		if err != nil {
			return ExportData{}, err
		}
		data.Series[name] = series
	}
	return data, nil
}

// ExportJSON writes one run as indented JSON.
func ExportJSON(w io.Writer, meta RunMeta, rec *Record) error {
	data, err := exportData(meta, rec)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// ExportCSV writes one run as CSV: a time column followed by one column
// per tracked symbol, one row per grid index.
func ExportCSV(w io.Writer, rec *Record) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	symbols := rec.Symbols()
	header := append([]string{"time"}, symbols...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := 0; i < rec.Len(); i++ {
		sample, err := rec.At(i)
		if err != nil {
			return err
		}
		row := []string{strconv.FormatFloat(sample.Time, 'f', 6, 64)}
		for _, name := range symbols {
			row = append(row, strconv.FormatFloat(sample.Values[name], 'f', 6, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

// ExportJSONFile writes one run to a file path.
func ExportJSONFile(path string, meta RunMeta, rec *Record) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return ExportJSON(file, meta, rec)
}
