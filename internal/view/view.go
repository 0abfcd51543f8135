package view

import (
	"html/template"
	"math"

	"github.com/example/knee-grader/internal/predictor"
	"github.com/example/knee-grader/internal/uploadclient"
)

// gradeLabels captions the five probability bars. The full clinical
// description comes from the service; these are display labels only.
var gradeLabels = [predictor.GradeCount]string{
	"Normal",
	"Doubtful",
	"Minimal",
	"Moderate",
	"Severe",
}

// Bar is one grade's slice of the probability distribution, scaled for
// rendering as a proportional bar.
type Bar struct {
	Grade   int
	Label   string
	Percent int
	Active  bool
}

// Page is everything the grading template needs. The Show flags are mutually
// exclusive; exactly one region renders per state.
type Page struct {
	State       uploadclient.State
	ShowPrompt  bool
	ShowPreview bool
	ShowSpinner bool
	ShowResult  bool
	ShowError   bool
	FileName    string
	PreviewURI  template.URL
	Grade       int
	Report      string
	Bars        []Bar
	Message     string
}

// BuildPage maps an upload client snapshot onto template data.
func BuildPage(snap uploadclient.Snapshot) Page {
	page := Page{
		State:      snap.State,
		FileName:   snap.FileName,
		// The preview URI is a data: URI the client built from sniffed image
		// bytes; mark it trusted so html/template does not filter it.
		PreviewURI: template.URL(snap.PreviewURI),
		Report:     uploadclient.DefaultReport,
		Message:    snap.Message,
	}

	switch snap.State {
	case uploadclient.StatePreviewing:
		page.ShowPreview = true
	case uploadclient.StateSubmitting:
		page.ShowSpinner = true
	case uploadclient.StateSuccess:
		page.ShowResult = true
	case uploadclient.StateError:
		page.ShowError = true
	default:
		page.ShowPrompt = true
	}

	if snap.Result != nil {
		page.Grade = snap.Result.Grade
		if snap.Result.Report != "" {
			page.Report = snap.Result.Report
		}
		page.Bars = buildBars(snap.Result)
	}
	return page
}

func buildBars(result *predictor.Result) []Bar {
	bars := make([]Bar, predictor.GradeCount)
	for i := range bars {
		bars[i] = Bar{
			Grade:   i,
			Label:   gradeLabels[i],
			Percent: percent(result.Probabilities[i]),
			Active:  i == result.Grade,
		}
	}
	return bars
}

func percent(p float64) int {
	return int(math.Round(p * 100))
}
