package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/arborsight/treemetric/internal/scale"
	"github.com/arborsight/treemetric/internal/units"
)

// reportMaxDistanceM is the x-axis extent of the scale curve.
const reportMaxDistanceM = 30

// showReport renders a debugging page: the mm-per-pixel scale curve of this
// device's calibration over the practical distance range. A quick visual
// sanity check in the field beats reading raw calibration JSON. The optional
// ?units= query parameter relabels the distance axis (default meters).
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	distUnit := r.URL.Query().Get("units")
	if distUnit == "" {
		distUnit = units.Meters
	}
	if !units.IsValid(distUnit) {
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid units %q, must be one of: %s", distUnit, units.GetValidUnitsString()))
		return
	}

	cal, ok, err := s.store.Get(s.deviceID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load calibration: %v", err))
		return
	}
	if !ok || !cal.Usable() || cal.ImageWidthPx == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no usable calibration stored for this device")
		return
	}

	xAxis := make([]string, 0, reportMaxDistanceM)
	data := make([]opts.LineData, 0, reportMaxDistanceM)
	for d := 1; d <= reportMaxDistanceM; d++ {
		sf, err := scale.Compute(float64(d), cal, cal.ImageWidthPx, cal.ImageHeightPx)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to compute scale: %v", err))
			return
		}
		xAxis = append(xAxis, fmt.Sprintf("%.4g%s", units.ConvertLength(float64(d), distUnit), distUnit))
		data = append(data, opts.LineData{Value: sf})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scale Factor Curve", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Scale factor vs distance",
			Subtitle: fmt.Sprintf("device=%s method=%s image=%dx%d", cal.DeviceID, cal.Method, cal.ImageWidthPx, cal.ImageHeightPx),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mm/px"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "distance (" + distUnit + ")"}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("mm per pixel", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
