package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/nvfbc"
	"github.com/bryanchriswhite/framegrab/internal/capture/x11"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Probe the configured capture backends",
	Long: `Initialize every configured capture backend once, report whether it is
usable, and release it again.`,
	Example: `  # Probe nvfbc and x11
  framegrab backends`,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

// buildBackends constructs the grabbers named in the capture config, in
// priority order.
func buildBackends(c config.CaptureConfig) ([]capture.FrameGrabber, error) {
	var backends []capture.FrameGrabber
	for _, name := range c.Backends {
		switch name {
		case "nvfbc":
			backends = append(backends, nvfbc.NewSession(nvfbc.DefaultPlatform(), nvfbc.Options{
				GlobalFlags: c.GlobalFlags,
			}))
		case "x11":
			backends = append(backends, x11.NewGrabber(c.X11Display))
		default:
			return nil, fmt.Errorf("unknown capture backend %q", name)
		}
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no capture backends configured")
	}
	return backends, nil
}

// newRouter builds a router over the configured backends.
func newRouter(c config.CaptureConfig) (*capture.Router, error) {
	backends, err := buildBackends(c)
	if err != nil {
		return nil, err
	}
	return capture.NewRouter(backends...)
}

type probeResult struct {
	Name      string
	Available bool
	FrameType string
	MaxSize   int
	Class     string
	Err       error
}

// probe initializes g once and releases it.
func probe(g capture.FrameGrabber) probeResult {
	res := probeResult{Name: g.Name()}
	err := g.Initialize()
	defer g.DeInitialize()

	if err != nil {
		res.Err = err
		res.Class = nvfbc.Classify(err).String()
		return res
	}
	res.Available = true
	res.FrameType = g.FrameType().String()
	res.MaxSize = g.MaxFrameSize()
	return res
}

func runBackends(cmd *cobra.Command, args []string) error {
	router, err := newRouter(configMgr.Get().Capture)
	if err != nil {
		return err
	}
	return writeProbes(os.Stdout, router)
}

// writeProbes probes every backend of router in priority order and prints
// the results as a table.
func writeProbes(out io.Writer, router *capture.Router) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tAVAILABLE\tFRAME TYPE\tMAX FRAME SIZE\tDETAIL")
	for _, b := range router.Backends() {
		res := probe(b)
		if res.Available {
			fmt.Fprintf(w, "%s\tyes\t%s\t%d\t\n", res.Name, res.FrameType, res.MaxSize)
			continue
		}
		fmt.Fprintf(w, "%s\tno\t-\t-\t%s: %v\n", res.Name, res.Class, res.Err)
	}
	return w.Flush()
}
