package acquisition

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pithecene-io/dwiflow/bridge"
	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/stage"
	"github.com/pithecene-io/dwiflow/toolexec"
)

// ReadVolumeIndices parses a volume exclusion file. Indices are separated by
// whitespace or commas; text after '#' is ignored.
func ReadVolumeIndices(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open volume list: %w", err)
	}
	defer iox.DiscardClose(f)

	var out []int
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		for _, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("%s:%d: invalid volume index %q", path, line, f)
			}
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read volume list: %w", err)
	}
	return out, nil
}

// VolumeCount asks mrinfo for the size of the fourth image axis.
func VolumeCount(ctx context.Context, runner *stage.Runner, image string) (int, error) {
	out, err := runner.Query(ctx, "volume_count",
		toolexec.Command("mrinfo", image, "-size").Reads(image))
	if err != nil {
		return 0, err
	}
	dims := strings.Fields(string(out))
	if len(dims) < 4 {
		return 0, fmt.Errorf("volume_count: %s is not a 4-D image (size %q)", image, strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(dims[3])
}

// RemoveVolumes writes out as in minus the excluded volume indices. Each kept
// volume is extracted into a scratch directory next to out and the pieces
// are concatenated along the volume axis. The scratch directory is removed
// whether or not the operation succeeds.
func RemoveVolumes(ctx context.Context, runner *stage.Runner, in, out string, exclude []int) error {
	if runner.Exists(out) {
		runner.Logger().Skip("remove_volumes", out)
		return nil
	}
	if err := runner.Require("remove_volumes", in); err != nil {
		return err
	}

	n, err := VolumeCount(ctx, runner, in)
	if err != nil {
		return err
	}
	skip := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		skip[i] = true
	}

	stem, _ := bridge.SplitExt(out)
	return iox.WithScratchDir(stem+"_temp", func(scratch string) error {
		var parts []string
		for i := 0; i < n; i++ {
			if skip[i] {
				continue
			}
			part := filepath.Join(scratch, fmt.Sprintf("volume_%d.mif", i))
			spec := toolexec.Command("mrconvert", in, "-coord", "3", strconv.Itoa(i), part).
				Reads(in).Writes(part)
			if err := runner.Run(ctx, "extract_volume", spec); err != nil {
				return err
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			return fmt.Errorf("remove_volumes: every volume of %s is excluded", in)
		}

		args := append([]string{"mrcat"}, parts...)
		args = append(args, "-axis", "3", out)
		return runner.Run(ctx, "concat_volumes", toolexec.Command(args...).Reads(parts...).Writes(out))
	})
}
