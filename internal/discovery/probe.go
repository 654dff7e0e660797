package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"alps/internal/command"
	"alps/internal/nifti"
	"alps/internal/services"
)

// DimensionProbe reports the dimensions of an image volume.
type DimensionProbe interface {
	Dimensions(ctx context.Context, path string, trace command.Trace) ([]int, error)
}

// ToolProbe asks mrinfo for the image size.
type ToolProbe struct {
	Runner command.Runner
	Binary string
}

// Dimensions runs "mrinfo -size <path>" and parses its whitespace-separated output.
func (p ToolProbe) Dimensions(ctx context.Context, path string, trace command.Trace) ([]int, error) {
	binary := p.Binary
	if binary == "" {
		binary = "mrinfo"
	}
	result, err := p.Runner.Run(ctx, command.New(binary, command.Flag("-size"), command.Path(path)), trace)
	if err != nil {
		return nil, err
	}
	return parseSize(result.Stdout)
}

func parseSize(out string) ([]int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "discover", "mrinfo", "empty size output", nil)
	}
	dims := make([]int, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, services.Wrap(services.ErrExternalTool, "discover", "mrinfo", fmt.Sprintf("unparseable size %q", strings.TrimSpace(out)), err)
		}
		dims = append(dims, n)
	}
	return dims, nil
}

// HeaderProbe reads dimensions straight from the NIfTI header.
type HeaderProbe struct{}

func (HeaderProbe) Dimensions(_ context.Context, path string, _ command.Trace) ([]int, error) {
	h, err := nifti.ReadHeader(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "discover", "header", path, err)
	}
	return h.Dims, nil
}
