package concat

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LengthRow is one line of control/longitudes.csv.
type LengthRow struct {
	Section  string
	Expected int
	Actual   int
}

// Percent is Actual over Expected in percent; 0 when nothing is expected.
func (r LengthRow) Percent() float64 {
	if r.Expected <= 0 {
		return 0
	}
	return float64(r.Actual) / float64(r.Expected) * 100
}

func (s *Service) lengthRows(character string, chapters int, loaded []Section) []LengthRow {
	actual := make(map[string]int, len(loaded))
	for _, sec := range loaded {
		actual[sec.Name] = sec.WordCount
	}
	files := s.layout.canonicalFiles(character, chapters)
	rows := make([]LengthRow, 0, len(files))
	for _, f := range files {
		expected := s.cfg.SectionTargets[f.name]
		if kind, _, _ := inferSection(f.name); kind == KindChapter {
			expected = s.cfg.WordsPerChapter
		}
		rows = append(rows, LengthRow{Section: f.name, Expected: expected, Actual: actual[f.name]})
	}
	return rows
}

// WriteLengthReport writes rows as seccion,longitud_esperada,longitud_real,porcentaje.
func WriteLengthReport(path string, rows []LengthRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"seccion", "longitud_esperada", "longitud_real", "porcentaje"}); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Section,
			strconv.Itoa(r.Expected),
			strconv.Itoa(r.Actual),
			fmt.Sprintf("%.1f", r.Percent()),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
