package main

import (
	"io"

	"github.com/Tutortoise/visual-inspection-service/detections"
	"github.com/fatih/color"
)

func printBanner(w io.Writer, addr string, info detections.ModelInfo) {
	title := color.New(color.FgGreen, color.Bold)
	route := color.New(color.FgCyan)
	warn := color.New(color.FgYellow)

	title.Fprintf(w, "Visual Inspection API listening on %s\n", addr)
	color.New(color.Faint).Fprintf(w, "  model %s (%s, %d classes)\n", info.Path, info.Backend, info.Classes)
	if info.Degraded {
		warn.Fprintln(w, "  serving fallback model: detections use generic classes")
	}
	route.Fprintln(w, "  GET  /         health check")
	route.Fprintln(w, "  POST /detect/  detect objects in an uploaded JPEG or PNG (field \"file\")")
	route.Fprintln(w, "  GET  /metrics  model and tensor pool metrics")
}
