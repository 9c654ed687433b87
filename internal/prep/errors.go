package prep

import (
	"fmt"
	"strings"

	"github.com/banshee-data/canopy/internal/raster"
)

// MissingBandError reports expected bands with no matching file in Folder.
// An empty Bands means no bands were requested at all.
type MissingBandError struct {
	Folder string
	Bands  []string
}

func (e *MissingBandError) Error() string {
	if len(e.Bands) == 0 {
		return fmt.Sprintf("no bands configured for %s", e.Folder)
	}
	return fmt.Sprintf("missing band files in %s: %s", e.Folder, strings.Join(e.Bands, ", "))
}

func (e *MissingBandError) Unwrap() error { return raster.ErrConfiguration }

// InvalidReferenceRasterError reports a reference raster that cannot be
// opened or has zero extent.
type InvalidReferenceRasterError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidReferenceRasterError) Error() string {
	return fmt.Sprintf("invalid reference raster %s: %s", e.Path, e.Reason)
}

func (e *InvalidReferenceRasterError) Unwrap() []error {
	if e.Err == nil {
		return []error{raster.ErrSpatialAlignment}
	}
	return []error{raster.ErrSpatialAlignment, e.Err}
}
