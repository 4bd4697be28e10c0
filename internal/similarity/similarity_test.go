package similarity

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"math/rand"
	"testing"
)

func renderScene(t *testing.T, seed int64) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.Gray{Y: 30}}, image.Point{}, draw.Src)

	r := rand.New(rand.NewSource(seed))
	for i := 0; i < 14; i++ {
		x0, y0 := 20+r.Intn(240), 20+r.Intn(160)
		w, h := 15+r.Intn(40), 15+r.Intn(40)
		shade := color.Gray{Y: uint8(90 + r.Intn(160))}
		draw.Draw(img, image.Rect(x0, y0, x0+w, y0+h), &image.Uniform{shade}, image.Point{}, draw.Src)
	}
	return encodePNG(t, img)
}

func renderBlank(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.Gray{Y: 128}}, image.Point{}, draw.Src)
	return encodePNG(t, img)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestFeatureBackend_Identical(t *testing.T) {
	b := NewFeatureBackend(500, 0)
	img := renderScene(t, 1)

	f, err := Extract(img, 500)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(f.Keypoints) == 0 {
		t.Fatal("Extract() found no keypoints on a textured image")
	}

	score, err := b.Similarity(context.Background(), Sample{Key: "a", Data: img}, Sample{Key: "b", Data: img})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	if score < 0.8 || score > 1 {
		t.Errorf("Similarity(identical) = %v, want close to 1", score)
	}
}

func TestFeatureBackend_DifferentScenes(t *testing.T) {
	b := NewFeatureBackend(500, 0)
	ctx := context.Background()
	a, c := renderScene(t, 1), renderScene(t, 99)

	same, _ := b.Similarity(ctx, Sample{Data: a}, Sample{Data: a})
	diff, err := b.Similarity(ctx, Sample{Data: a}, Sample{Data: c})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	if diff >= same {
		t.Errorf("Similarity(different) = %v, want below identical %v", diff, same)
	}
	if diff < 0 || diff > 1 {
		t.Errorf("Similarity() = %v, want within [0, 1]", diff)
	}
}

func TestFeatureBackend_NoFeatures(t *testing.T) {
	b := NewFeatureBackend(500, 0)
	score, err := b.Similarity(context.Background(), Sample{Data: renderBlank(t)}, Sample{Data: renderScene(t, 1)})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	if score != 0 {
		t.Errorf("Similarity(blank) = %v, want 0", score)
	}
}

func TestFeatureBackend_Deterministic(t *testing.T) {
	img1, img2 := renderScene(t, 3), renderScene(t, 4)
	s1, _ := NewFeatureBackend(200, 0).Similarity(context.Background(), Sample{Data: img1}, Sample{Data: img2})
	s2, _ := NewFeatureBackend(200, 0).Similarity(context.Background(), Sample{Data: img1}, Sample{Data: img2})
	if s1 != s2 {
		t.Errorf("scores differ between runs: %v vs %v", s1, s2)
	}
}

func TestFeatureBackend_BadImage(t *testing.T) {
	_, err := NewFeatureBackend(0, 0).Similarity(context.Background(), Sample{Data: []byte("nope")}, Sample{Data: []byte("nope")})
	if err == nil {
		t.Error("Similarity() should fail on undecodable data")
	}
}

func TestMatch_MutualOnly(t *testing.T) {
	var zero, ones Descriptor
	for i := range ones {
		ones[i] = math.MaxUint64
	}
	a := []Descriptor{zero, ones}
	b := []Descriptor{zero}
	if got := Match(a, b); got != 1 {
		t.Errorf("Match() = %d, want 1", got)
	}
	// Far descriptors are never matched even when mutual.
	if got := Match([]Descriptor{ones}, []Descriptor{zero}); got != 0 {
		t.Errorf("Match(far) = %d, want 0", got)
	}
}

func TestGrayStdDev(t *testing.T) {
	blank, err := GrayStdDev(renderBlank(t))
	if err != nil {
		t.Fatalf("GrayStdDev() error = %v", err)
	}
	if blank > 0.5 {
		t.Errorf("GrayStdDev(blank) = %v, want ~0", blank)
	}
	busy, _ := GrayStdDev(renderScene(t, 1))
	if busy < 10 {
		t.Errorf("GrayStdDev(scene) = %v, want well above 0", busy)
	}
}

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[string(data)], nil
}

func TestEmbeddingBackend(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {1, 1, 0},
		"c": {0, 0, 1},
	}}
	b := NewEmbeddingBackend(emb, 0)
	ctx := context.Background()

	ab, err := b.Similarity(ctx, Sample{Key: "ka", Data: []byte("a")}, Sample{Key: "kb", Data: []byte("b")})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	if math.Abs(ab-1/math.Sqrt2) > 1e-9 {
		t.Errorf("Similarity(a, b) = %v, want %v", ab, 1/math.Sqrt2)
	}
	ac, _ := b.Similarity(ctx, Sample{Key: "ka", Data: []byte("a")}, Sample{Key: "kc", Data: []byte("c")})
	if ac != 0 {
		t.Errorf("Similarity(a, c) = %v, want 0", ac)
	}
	if emb.calls != 3 {
		t.Errorf("embedder called %d times, want 3 (ka cached)", emb.calls)
	}
}

func TestEmbeddingBackend_Error(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("throttled")}
	_, err := NewEmbeddingBackend(emb, 0).Similarity(context.Background(), Sample{Data: []byte("a")}, Sample{Data: []byte("b")})
	if err == nil {
		t.Error("Similarity() should surface embedder errors")
	}
}

func TestCosine(t *testing.T) {
	if _, err := Cosine([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("Cosine() should reject mismatched dimensions")
	}
	if got, _ := Cosine([]float32{0, 0}, []float32{1, 2}); got != 0 {
		t.Errorf("Cosine(zero) = %v, want 0", got)
	}
	if got, _ := Cosine([]float32{2, 4}, []float32{1, 2}); math.Abs(got-1) > 1e-9 {
		t.Errorf("Cosine(parallel) = %v, want 1", got)
	}
}

func TestBackendsFor(t *testing.T) {
	bs := Backends{Feature: NewFeatureBackend(10, 0)}
	if b, err := bs.For(MethodFeature); err != nil || b.Name() != MethodFeature {
		t.Errorf("For(feature) = %v, %v", b, err)
	}
	if _, err := bs.For(MethodEmbedding); err == nil {
		t.Error("For(embedding) should fail when not configured")
	}
	if _, err := bs.For("pixel"); err == nil {
		t.Error("For(unknown) should fail")
	}
}

func TestFeatureBackend_RerunSameKeysNewMedia(t *testing.T) {
	b := NewFeatureBackend(500, 0)
	ctx := context.Background()
	a, c := renderScene(t, 1), renderScene(t, 99)

	first, err := b.Similarity(ctx, Sample{Key: "k1", Data: a}, Sample{Key: "k2", Data: c})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	// A rerun stores different frames under the same blob keys.
	rerun, err := b.Similarity(ctx, Sample{Key: "k1", Data: a}, Sample{Key: "k2", Data: a})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	fresh, _ := NewFeatureBackend(500, 0).Similarity(ctx, Sample{Key: "k1", Data: a}, Sample{Key: "k2", Data: a})
	if rerun != fresh {
		t.Errorf("Similarity() after rerun = %v, want %v (first run scored %v)", rerun, fresh, first)
	}
}

func TestEmbeddingBackend_RerunSameKeysNewMedia(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"c": {0, 0, 1},
	}}
	b := NewEmbeddingBackend(emb, 0)
	ctx := context.Background()

	if got, _ := b.Similarity(ctx, Sample{Key: "k1", Data: []byte("a")}, Sample{Key: "k2", Data: []byte("c")}); got != 0 {
		t.Fatalf("Similarity(a, c) = %v, want 0", got)
	}
	got, err := b.Similarity(ctx, Sample{Key: "k1", Data: []byte("a")}, Sample{Key: "k2", Data: []byte("a")})
	if err != nil {
		t.Fatalf("Similarity() error = %v", err)
	}
	if math.Abs(got-1) > 1e-9 {
		t.Errorf("Similarity() after rerun = %v, want 1", got)
	}
	if emb.calls != 3 {
		t.Errorf("embedder called %d times, want 3 (k1 cached, k2 re-embedded)", emb.calls)
	}
}
