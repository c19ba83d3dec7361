package analyses

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

// ExportCSV renders detected particles as a CSV report. Numeric columns use
// four decimal places.
func ExportCSV(result AnalysisResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"x_coordinate", "y_coordinate", "confidence", "class"}); err != nil {
		return nil, err
	}
	for _, p := range result.Particles {
		record := []string{
			strconv.FormatFloat(p.X, 'f', 4, 64),
			strconv.FormatFloat(p.Y, 'f', 4, 64),
			strconv.FormatFloat(p.Confidence, 'f', 4, 64),
			p.Class,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
