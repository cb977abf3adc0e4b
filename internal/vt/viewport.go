package vt

// ClientType tags the kind of client declaring a viewport (web, native,
// headless replay, ...). Opaque to the reconciliation algorithm.
type ClientType string

// Viewport is one client's declared terminal geometry for an instance.
type Viewport struct {
	Rows       int
	Cols       int
	Active     bool
	ClientType ClientType
}

// Dims is an effective (rows, cols) pair.
type Dims struct {
	Rows int
	Cols int
}

const (
	defaultRows = 24
	defaultCols = 80
)

// effectiveDims computes the min-rows/min-cols reconciliation over the
// active viewports in vps, or the defaults when none are active.
func effectiveDims(vps map[string]*Viewport) Dims {
	rows, cols := -1, -1
	for _, v := range vps {
		if !v.Active {
			continue
		}
		if rows == -1 || v.Rows < rows {
			rows = v.Rows
		}
		if cols == -1 || v.Cols < cols {
			cols = v.Cols
		}
	}
	if rows == -1 {
		rows = defaultRows
	}
	if cols == -1 {
		cols = defaultCols
	}
	return Dims{Rows: rows, Cols: cols}
}
