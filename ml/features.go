package ml

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"imageforest/mlerr"
)

const (
	DefaultResolution = 32
	HistogramBins     = 4
	channels          = 3
)

// FeatureLength is the canonical vector length: a histogram per RGB channel
// followed by the three channel means.
const FeatureLength = channels*HistogramBins + channels

// ImageSource supplies decoded pixels. Implementations that also provide
// CacheKey are memoized by the extractor.
type ImageSource interface {
	Image() (image.Image, error)
}

type cacheKeyer interface {
	CacheKey() string
}

// BytesSource is an encoded image held in memory.
type BytesSource []byte

func (b BytesSource) Image() (image.Image, error) {
	return Decode(bytes.NewReader(b))
}

func (b BytesSource) CacheKey() string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FileSource is an encoded image on disk.
type FileSource string

func (f FileSource) Image() (image.Image, error) {
	file, err := os.Open(string(f))
	if err != nil {
		return nil, mlerr.Decode(err, "open %s", string(f))
	}
	defer file.Close()
	return Decode(file)
}

func (f FileSource) CacheKey() string { return "file:" + string(f) }

// StaticSource wraps an already decoded image.
type StaticSource struct {
	Img image.Image
}

func (s StaticSource) Image() (image.Image, error) {
	if s.Img == nil {
		return nil, mlerr.Decode(nil, "no image supplied")
	}
	return s.Img, nil
}

// Decode reads any registered image format.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, mlerr.Decode(err, "decode image")
	}
	return img, nil
}

type ExtractorConfig struct {
	Resolution int
	CacheSize  int
	Workers    int
}

type FeatureExtractor struct {
	resolution int
	workers    int
	cache      *lru.Cache[string, []float64]
	logger     *zap.Logger
}

func NewFeatureExtractor(cfg ExtractorConfig, logger *zap.Logger) (*FeatureExtractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	fe := &FeatureExtractor{
		resolution: cfg.Resolution,
		workers:    cfg.Workers,
		logger:     logger,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float64](cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		fe.cache = cache
	}
	return fe, nil
}

// Extract downsamples img and returns its normalized color histogram and
// channel means.
func (fe *FeatureExtractor) Extract(img image.Image) ([]float64, error) {
	if img == nil {
		return nil, mlerr.Decode(nil, "no pixels available")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, mlerr.Decode(nil, "image has no pixels")
	}

	small := image.NewRGBA(image.Rect(0, 0, fe.resolution, fe.resolution))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, draw.Src, nil)

	features := make([]float64, FeatureLength)
	var sums [channels]float64
	total := 0
	for y := 0; y < fe.resolution; y++ {
		for x := 0; x < fe.resolution; x++ {
			px := small.RGBAAt(x, y)
			for c, v := range [channels]uint8{px.R, px.G, px.B} {
				features[c*HistogramBins+binOf(v)]++
				sums[c] += float64(v)
			}
			total++
		}
	}

	for i := 0; i < channels*HistogramBins; i++ {
		features[i] /= float64(total)
	}
	for c := 0; c < channels; c++ {
		features[channels*HistogramBins+c] = sums[c] / float64(total) / 255
	}
	return features, nil
}

// ExtractSource resolves src and extracts its features, consulting the cache
// when src has a stable key.
func (fe *FeatureExtractor) ExtractSource(src ImageSource) ([]float64, error) {
	if src == nil {
		return nil, mlerr.Decode(nil, "no image source")
	}
	key := ""
	if k, ok := src.(cacheKeyer); ok && fe.cache != nil {
		key = k.CacheKey()
		if cached, ok := fe.cache.Get(key); ok {
			return append([]float64(nil), cached...), nil
		}
	}
	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	features, err := fe.Extract(img)
	if err != nil {
		return nil, err
	}
	if key != "" {
		fe.cache.Add(key, append([]float64(nil), features...))
	}
	return features, nil
}

// ExtractBatch extracts every source in order. A source that fails is
// replaced by a zero vector of FeatureLength and reported in failed.
func (fe *FeatureExtractor) ExtractBatch(ctx context.Context, sources []ImageSource) (vectors [][]float64, failed []int, err error) {
	vectors = make([][]float64, len(sources))
	errs := make([]error, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fe.workers)
	for i := range sources {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			vectors[i], errs[i] = fe.ExtractSource(sources[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, e := range errs {
		if e == nil {
			continue
		}
		fe.logger.Warn("feature extraction failed, using zero vector",
			zap.Int("index", i), zap.Error(e))
		vectors[i] = make([]float64, FeatureLength)
		failed = append(failed, i)
	}
	return vectors, failed, nil
}

func binOf(v uint8) int {
	return int(v) * HistogramBins / 256
}

// SolidImage is a uniformly colored RGBA image, handy for fixtures.
func SolidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
