package archive

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Series summarizes the DICOM files sharing one SeriesInstanceUID.
type Series struct {
	UID         string `json:"uid"`
	Number      string `json:"number,omitempty"`
	Description string `json:"description,omitempty"`
	Files       int    `json:"files"`
}

// Inventory walks dir and groups parseable DICOM files by series. Files
// that are not DICOM are skipped. Series are ordered by number, then UID.
func Inventory(dir string) ([]Series, error) {
	byUID := make(map[string]*Series)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		dataset, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			return nil
		}
		uid := firstString(dataset, tag.SeriesInstanceUID)
		if uid == "" {
			return nil
		}
		s, ok := byUID[uid]
		if !ok {
			s = &Series{
				UID:         uid,
				Number:      firstString(dataset, tag.SeriesNumber),
				Description: firstString(dataset, tag.SeriesDescription),
			}
			byUID[uid] = s
		}
		s.Files++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Series, 0, len(byUID))
	for _, s := range byUID {
		out = append(out, *s)
	}
	sortSeries(out)
	return out, nil
}

// sortSeries orders by numeric series number, then UID. Series without a
// parseable number sort last.
func sortSeries(series []Series) {
	sort.SliceStable(series, func(i, j int) bool {
		a, aok := seriesNumber(series[i])
		b, bok := seriesNumber(series[j])
		switch {
		case aok && bok && a != b:
			return a < b
		case aok != bok:
			return aok
		case !aok && series[i].Number != series[j].Number:
			return series[i].Number < series[j].Number
		}
		return series[i].UID < series[j].UID
	})
}

func seriesNumber(s Series) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s.Number))
	return n, err == nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil || el.Value.ValueType() != dicom.Strings {
		return ""
	}
	values := dicom.MustGetStrings(el.Value)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
