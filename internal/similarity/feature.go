package similarity

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"math/bits"
	"math/rand"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	_ "golang.org/x/image/webp"
)

const (
	fastThreshold = 20
	fastArc       = 9
	patchRadius   = 15
	border        = patchRadius + 1
	maxHamming    = 64
	analysisSize  = 640
	briefBits     = 256
)

// Bresenham circle of radius 3 used by the FAST corner test.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

type briefPair struct{ x1, y1, x2, y2 int }

// briefPattern is fixed so descriptors from different runs are comparable.
var briefPattern = newBriefPattern(briefBits, 0x5eed)

func newBriefPattern(n int, seed int64) []briefPair {
	r := rand.New(rand.NewSource(seed))
	coord := func() int {
		v := int(math.Round(r.NormFloat64() * float64(2*patchRadius+1) / 5))
		if v < -patchRadius {
			v = -patchRadius
		}
		if v > patchRadius {
			v = patchRadius
		}
		return v
	}
	pairs := make([]briefPair, n)
	for i := range pairs {
		pairs[i] = briefPair{coord(), coord(), coord(), coord()}
	}
	return pairs
}

type Descriptor [briefBits / 64]uint64

func hamming(a, b *Descriptor) int {
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

type Keypoint struct {
	X, Y  int
	Score int
}

// Features are the keypoints and binary descriptors of one image.
type Features struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// FeatureBackend scores frames by local keypoint matching: FAST corners
// described with BRIEF, matched by Hamming distance with a mutual
// nearest-neighbour check. The score is matches / max(keypoints in either
// image) and is 0 when either image has no keypoints.
type FeatureBackend struct {
	maxKeypoints int
	cache        *cache.Cache
}

func NewFeatureBackend(maxKeypoints int, ttl time.Duration) *FeatureBackend {
	if maxKeypoints <= 0 {
		maxKeypoints = 500
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &FeatureBackend{maxKeypoints: maxKeypoints, cache: cache.New(ttl, 2*ttl)}
}

func (b *FeatureBackend) Name() string { return MethodFeature }

func (b *FeatureBackend) Similarity(ctx context.Context, x, y Sample) (float64, error) {
	fx, err := b.features(x)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fy, err := b.features(y)
	if err != nil {
		return 0, err
	}
	return Score(fx, fy), nil
}

func (b *FeatureBackend) features(s Sample) (*Features, error) {
	key := s.cacheKey()
	if f, ok := b.cache.Get(key); ok {
		return f.(*Features), nil
	}
	f, err := Extract(s.Data, b.maxKeypoints)
	if err != nil {
		return nil, fmt.Errorf("extract features %s: %w", s.Key, err)
	}
	b.cache.Set(key, f, cache.DefaultExpiration)
	return f, nil
}

// Score is the cross-checked match ratio between two feature sets.
func Score(a, b *Features) float64 {
	na, nb := len(a.Descriptors), len(b.Descriptors)
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(Match(a.Descriptors, b.Descriptors)) / float64(max(na, nb))
}

// Match counts mutual nearest neighbours within maxHamming bits.
func Match(a, b []Descriptor) int {
	bestAB := make([]int, len(a))
	distAB := make([]int, len(a))
	bestBA := make([]int, len(b))
	distBA := make([]int, len(b))
	for j := range bestBA {
		bestBA[j], distBA[j] = -1, math.MaxInt
	}

	for i := range a {
		bestAB[i], distAB[i] = -1, math.MaxInt
		for j := range b {
			d := hamming(&a[i], &b[j])
			if d < distAB[i] {
				bestAB[i], distAB[i] = j, d
			}
			if d < distBA[j] {
				bestBA[j], distBA[j] = i, d
			}
		}
	}

	n := 0
	for i, j := range bestAB {
		if j >= 0 && bestBA[j] == i && distAB[i] <= maxHamming {
			n++
		}
	}
	return n
}

// Extract decodes an image and computes up to maxKeypoints features.
func Extract(data []byte, maxKeypoints int) (*Features, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, analysisSize, analysisSize, imaging.Box)

	g := imaging.Grayscale(img)
	kps := detectFAST(newGray(g), fastThreshold, maxKeypoints)

	smooth := newGray(imaging.Blur(g, 2))
	f := &Features{Keypoints: kps, Descriptors: make([]Descriptor, len(kps))}
	for i, kp := range kps {
		f.Descriptors[i] = describe(smooth, kp)
	}
	return f, nil
}

// GrayStdDev is the standard deviation of an image's luminance. Blank or
// near-uniform frames score close to 0.
func GrayStdDev(data []byte) (float64, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	g := newGray(imaging.Grayscale(imaging.Fit(img, analysisSize, analysisSize, imaging.Box)))
	if len(g.pix) == 0 {
		return 0, nil
	}
	var sum, sq float64
	for _, p := range g.pix {
		v := float64(p)
		sum += v
		sq += v * v
	}
	n := float64(len(g.pix))
	mean := sum / n
	return math.Sqrt(math.Max(sq/n-mean*mean, 0)), nil
}

type gray struct {
	w, h int
	pix  []uint8
}

func newGray(n *image.NRGBA) *gray {
	b := n.Bounds()
	g := &gray{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < g.h; y++ {
		row := n.Pix[y*n.Stride:]
		for x := 0; x < g.w; x++ {
			g.pix[y*g.w+x] = row[x*4]
		}
	}
	return g
}

func (g *gray) at(x, y int) int {
	return int(g.pix[y*g.w+x])
}

func detectFAST(g *gray, threshold, limit int) []Keypoint {
	if g.w <= 2*border || g.h <= 2*border {
		return nil
	}
	scores := make([]int, g.w*g.h)
	var class [16]int8

	for y := border; y < g.h-border; y++ {
		for x := border; x < g.w-border; x++ {
			p := g.at(x, y)
			for i, o := range fastCircle {
				v := g.at(x+o[0], y+o[1])
				switch {
				case v > p+threshold:
					class[i] = 1
				case v < p-threshold:
					class[i] = -1
				default:
					class[i] = 0
				}
			}
			kind := longestArc(&class)
			if kind == 0 {
				continue
			}
			score := 0
			for i, o := range fastCircle {
				if class[i] == kind {
					d := g.at(x+o[0], y+o[1]) - p
					if d < 0 {
						d = -d
					}
					score += d - threshold
				}
			}
			scores[y*g.w+x] = score
		}
	}

	var kps []Keypoint
	for y := border; y < g.h-border; y++ {
		for x := border; x < g.w-border; x++ {
			idx := y*g.w + x
			s := scores[idx]
			if s == 0 || !isLocalMax(scores, g.w, x, y, s) {
				continue
			}
			kps = append(kps, Keypoint{X: x, Y: y, Score: s})
		}
	}

	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Score > kps[j].Score })
	if limit > 0 && len(kps) > limit {
		kps = kps[:limit]
	}
	return kps
}

// longestArc returns 1 or -1 when at least fastArc contiguous circle
// pixels are all brighter or all darker, otherwise 0.
func longestArc(class *[16]int8) int8 {
	for _, kind := range []int8{1, -1} {
		run := 0
		for i := 0; i < 16+fastArc-1; i++ {
			if class[i%16] == kind {
				run++
				if run >= fastArc {
					return kind
				}
			} else {
				run = 0
			}
		}
	}
	return 0
}

// isLocalMax keeps the first position among equal-scored neighbours.
func isLocalMax(scores []int, w, x, y, s int) bool {
	idx := y*w + x
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := (y+dy)*w + (x + dx)
			if scores[n] > s || (scores[n] == s && n < idx) {
				return false
			}
		}
	}
	return true
}

func describe(g *gray, kp Keypoint) Descriptor {
	var d Descriptor
	for i, p := range briefPattern {
		if g.at(kp.X+p.x1, kp.Y+p.y1) < g.at(kp.X+p.x2, kp.Y+p.y2) {
			d[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return d
}
