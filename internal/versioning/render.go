package versioning

import (
	"fmt"
	"math"
	"sort"
)

// Series is one named sequence of values aligned with Config.Labels.
type Series struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Config is a rendered artifact. Labels, the series count and Kind make up its
// structural shape; Values are its content.
type Config struct {
	Kind   Kind       `json:"kind"`
	Title  string     `json:"title,omitempty"`
	XAxis  string     `json:"x_axis,omitempty"`
	Labels []string   `json:"labels"`
	Series []Series   `json:"series,omitempty"`
	Rows   [][]string `json:"rows,omitempty"`
}

// Hint carries caller preferences for rendering. A nil Kind means classify
// from the data.
type Hint struct {
	Title string `json:"title,omitempty"`
	Kind  *Kind  `json:"kind,omitempty"`
}

type renderer func(title string, s shape, rows []Row) Config

var renderers = map[Kind]renderer{
	KindTable:   renderTable,
	KindBar:     renderBar,
	KindLine:    renderLine,
	KindPie:     renderPie,
	KindScatter: renderScatter,
	KindMetric:  renderMetric,
}

// Render builds the config for rows, classifying unless hint fixes the kind.
func Render(hint Hint, rows []Row) Config {
	kind := Classify(rows)
	if hint.Kind != nil {
		kind = *hint.Kind
	}
	r, ok := renderers[kind]
	if !ok {
		r = renderTable
	}
	return r(hint.Title, analyzeShape(rows), rows)
}

func renderTable(title string, s shape, rows []Row) Config {
	cols := append(append([]string{}, s.dimensions...), s.measures...)
	out := Config{Kind: KindTable, Title: title, Labels: cols}
	for _, r := range rows {
		line := make([]string, len(cols))
		for i, c := range cols {
			line[i] = cellString(r[c])
		}
		out.Rows = append(out.Rows, line)
	}
	return out
}

func renderBar(title string, s shape, rows []Row) Config {
	if len(s.dimensions) == 0 {
		return renderTable(title, s, rows)
	}
	labels, series := groupByLabel(rows, s.dimensions[0], s.measures)
	return Config{Kind: KindBar, Title: title, XAxis: s.dimensions[0], Labels: labels, Series: series}
}

func renderLine(title string, s shape, rows []Row) Config {
	dim := s.timeDim
	if dim == "" {
		if len(s.dimensions) == 0 {
			return renderTable(title, s, rows)
		}
		dim = s.dimensions[0]
	}
	labels, series := groupByLabel(rows, dim, s.measures)
	// Period labels sort lexically for the layouts looksLikeTime accepts.
	order := make([]int, len(labels))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return labels[order[a]] < labels[order[b]] })
	sorted := make([]string, len(labels))
	for i, o := range order {
		sorted[i] = labels[o]
	}
	for si := range series {
		vals := make([]float64, len(order))
		for i, o := range order {
			vals[i] = series[si].Values[o]
		}
		series[si].Values = vals
	}
	return Config{Kind: KindLine, Title: title, XAxis: dim, Labels: sorted, Series: series}
}

func renderPie(title string, s shape, rows []Row) Config {
	if len(s.dimensions) == 0 || len(s.measures) == 0 {
		return renderTable(title, s, rows)
	}
	labels, series := groupByLabel(rows, s.dimensions[0], s.measures[:1])
	return Config{Kind: KindPie, Title: title, Labels: labels, Series: series}
}

func renderScatter(title string, s shape, rows []Row) Config {
	out := Config{Kind: KindScatter, Title: title, Labels: append([]string{}, s.measures...)}
	for _, m := range s.measures {
		vals := make([]float64, len(rows))
		for i, r := range rows {
			vals[i], _ = toFloat(r[m])
		}
		out.Series = append(out.Series, Series{Name: m, Values: vals})
	}
	return out
}

func renderMetric(title string, s shape, rows []Row) Config {
	if len(s.measures) == 0 || len(rows) == 0 {
		return renderTable(title, s, rows)
	}
	m := s.measures[0]
	var total float64
	for _, r := range rows {
		f, _ := toFloat(r[m])
		total += f
	}
	if title == "" {
		title = m
	}
	return Config{
		Kind:   KindMetric,
		Title:  title,
		Labels: []string{m},
		Series: []Series{{Name: m, Values: []float64{round2(total)}}},
	}
}

// groupByLabel sums each measure per distinct value of dim, keeping labels in
// first-seen order.
func groupByLabel(rows []Row, dim string, measures []string) ([]string, []Series) {
	index := make(map[string]int)
	var labels []string
	for _, r := range rows {
		l := cellString(r[dim])
		if _, ok := index[l]; !ok {
			index[l] = len(labels)
			labels = append(labels, l)
		}
	}
	series := make([]Series, len(measures))
	for i, m := range measures {
		series[i] = Series{Name: m, Values: make([]float64, len(labels))}
	}
	for _, r := range rows {
		li := index[cellString(r[dim])]
		for i, m := range measures {
			if f, ok := toFloat(r[m]); ok {
				series[i].Values[li] += f
			}
		}
	}
	for i := range series {
		for j, v := range series[i].Values {
			series[i].Values[j] = round2(v)
		}
	}
	return labels, series
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// String is a short human description used in logs and the CLI.
func (c Config) String() string {
	return fmt.Sprintf("%s %q labels=%d series=%d", c.Kind, c.Title, len(c.Labels), len(c.Series))
}
