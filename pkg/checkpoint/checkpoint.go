// Package checkpoint persists model and scorer parameters.
//
// A checkpoint file is a sequence of CRC-checked frames: one JSON header
// frame followed by one frame per tensor. Files are named
// ckpt-<epoch>-<unix nanos>.lsk and written atomically (temp file + rename).
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/core/vecmath"
	"github.com/sanonone/linksage/pkg/persistence"
	"github.com/sanonone/linksage/pkg/sage"
	"github.com/sanonone/linksage/pkg/scorer"
)

// FormatVersion is bumped on incompatible layout changes.
const FormatVersion = 1

const (
	filePrefix = "ckpt-"
	fileExt    = ".lsk"
)

// ErrNoCheckpoint is returned when a directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Header describes a checkpoint.
type Header struct {
	FormatVersion int                `json:"format_version"`
	RunID         string             `json:"run_id"`
	Epoch         int                `json:"epoch"`
	CreatedAt     time.Time          `json:"created_at"`
	ModelConfig   sage.Config        `json:"model"`
	ScorerMode    scorer.Mode        `json:"scorer_mode"`
	ScorerDim     int                `json:"scorer_dim"`
	Precision     vecmath.Precision  `json:"precision"`
	Sampling      string             `json:"sampling,omitempty"`
	Seed          uint64             `json:"seed,omitempty"`
	Directed      []string           `json:"directed_relations,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// Checkpoint is a header plus parameters.
type Checkpoint struct {
	Header
	Model  *sage.Params
	Scorer *scorer.Params
}

// Save writes ck into dir and returns the file path.
func Save(dir string, ck *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	h := ck.Header
	h.FormatVersion = FormatVersion
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Precision == "" {
		h.Precision = vecmath.Float32
	}
	h.ModelConfig = ck.Model.Config
	h.ScorerMode = ck.Scorer.Mode
	h.ScorerDim = ck.Scorer.Dim

	name := fmt.Sprintf("%s%06d-%d%s", filePrefix, h.Epoch, h.CreatedAt.UnixNano(), fileExt)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp, h, ck); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	slog.Info("[CHECKPOINT] Saved", "path", path, "epoch", h.Epoch, "run_id", h.RunID)
	return path, nil
}

func write(w io.Writer, h Header, ck *Checkpoint) error {
	buf := bufio.NewWriter(w)
	fw := persistence.NewFrameWriter(buf)

	hdr, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := fw.WriteFrame(persistence.OpHeader, hdr); err != nil {
		return err
	}

	tensors := append(ck.Model.Tensors(), ck.Scorer.Tensors()...)
	for _, t := range tensors {
		if err := fw.WriteFrame(persistence.OpTensor, encodeTensor(t, h.Precision)); err != nil {
			return err
		}
	}
	return buf.Flush()
}

// Tensor payload: [name len u16][name][rows u32][cols u32][values].
func encodeTensor(t sage.Tensor, p vecmath.Precision) []byte {
	data := vecmath.Encode(t.Data, p)
	out := make([]byte, 2+len(t.Name)+8, 2+len(t.Name)+8+len(data))
	binary.LittleEndian.PutUint16(out, uint16(len(t.Name)))
	copy(out[2:], t.Name)
	binary.LittleEndian.PutUint32(out[2+len(t.Name):], uint32(t.Rows))
	binary.LittleEndian.PutUint32(out[6+len(t.Name):], uint32(t.Cols))
	return append(out, data...)
}

type rawTensor struct {
	rows, cols int
	data       []float32
}

func decodeTensor(b []byte, p vecmath.Precision) (string, rawTensor, error) {
	if len(b) < 2 {
		return "", rawTensor{}, errors.New("short tensor frame")
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n+8 {
		return "", rawTensor{}, errors.New("short tensor frame")
	}
	name := string(b[2 : 2+n])
	rows := int(binary.LittleEndian.Uint32(b[2+n:]))
	cols := int(binary.LittleEndian.Uint32(b[6+n:]))
	data, err := vecmath.Decode(b[10+n:], p)
	if err != nil {
		return "", rawTensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(data) != rows*cols {
		return "", rawTensor{}, &types.DimensionMismatchError{What: "tensor " + name, Expected: rows * cols, Got: len(data)}
	}
	return name, rawTensor{rows: rows, cols: cols, data: data}, nil
}

// Load reads a checkpoint file.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	frame, _, err := persistence.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	if frame.Op != persistence.OpHeader {
		return nil, fmt.Errorf("checkpoint %s does not start with a header frame", path)
	}
	var h Header
	if err := json.Unmarshal(frame.Payload, &h); err != nil {
		return nil, fmt.Errorf("invalid checkpoint header: %w", err)
	}
	if h.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint format %d", h.FormatVersion)
	}

	stored := make(map[string]rawTensor)
	for {
		frame, _, err := persistence.ReadFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint tensor: %w", err)
		}
		if frame.Op != persistence.OpTensor {
			continue
		}
		name, t, err := decodeTensor(frame.Payload, h.Precision)
		if err != nil {
			return nil, err
		}
		stored[name] = t
	}

	ck := &Checkpoint{
		Header: h,
		Model:  sage.NewParams(h.ModelConfig),
		Scorer: scorer.NewParams(h.ScorerMode, h.ScorerDim),
	}
	for _, t := range append(ck.Model.Tensors(), ck.Scorer.Tensors()...) {
		s, ok := stored[t.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s is missing tensor %s", path, t.Name)
		}
		if s.rows != t.Rows || s.cols != t.Cols {
			return nil, &types.DimensionMismatchError{What: "tensor " + t.Name, Expected: t.Rows * t.Cols, Got: s.rows * s.cols}
		}
		copy(t.Data, s.data)
	}
	return ck, nil
}

// Info identifies a checkpoint file by its name.
type Info struct {
	Path      string
	Epoch     int
	CreatedAt time.Time
}

// List returns the checkpoints in dir, oldest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		info, ok := parseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info.Path = filepath.Join(dir, e.Name())
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return a.Epoch - b.Epoch
	})
	return out, nil
}

// Latest returns the newest checkpoint path in dir.
func Latest(dir string) (string, error) {
	list, err := List(dir)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoCheckpoint, dir)
	}
	return list[len(list)-1].Path, nil
}

func parseName(name string) (Info, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return Info{}, false
	}
	epochStr, nanosStr, ok := strings.Cut(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt), "-")
	if !ok {
		return Info{}, false
	}
	epoch, err := strconv.Atoi(epochStr)
	if err != nil {
		return Info{}, false
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return Info{}, false
	}
	return Info{Epoch: epoch, CreatedAt: time.Unix(0, nanos).UTC()}, true
}

// Prune deletes all but the newest keep checkpoints in dir.
func Prune(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	list, err := List(dir)
	if err != nil {
		return err
	}
	for i := 0; i < len(list)-keep; i++ {
		if err := os.Remove(list[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
