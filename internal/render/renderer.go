package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/i474232898/weather-station-images/internal/common"
	"github.com/i474232898/weather-station-images/internal/storage"
	"github.com/i474232898/weather-station-images/internal/weather"
)

// ErrRender wraps every failure to produce or upload an image.
var ErrRender = errors.New("render failed")

const (
	canvasWidth  = 600
	canvasHeight = 800
	lineHeight   = 20
	textMargin   = 20
)

// Renderer draws a station's measurements onto a background image and
// uploads the result.
type Renderer struct {
	baseImageURL string
	httpCfg      common.HTTPClientConfig
	circuit      *gobreaker.CircuitBreaker
	store        storage.Store
	logger       zerolog.Logger
}

// New creates a Renderer. An empty baseImageURL renders onto a plain canvas
// tinted by temperature instead of downloading a background.
func New(client *http.Client, baseImageURL string, store storage.Store, logger zerolog.Logger) *Renderer {
	return &Renderer{
		baseImageURL: baseImageURL,
		httpCfg: common.HTTPClientConfig{
			Client:  client,
			Backoff: common.DefaultBackoff,
		},
		circuit: common.NewCircuitBreaker("base-image"),
		store:   store,
		logger:  logger.With().Str("component", "renderer").Logger(),
	}
}

// Render produces the image for rec and returns its public URL. The upload
// happens last and is atomic, so a failure leaves no artifact behind.
func (r *Renderer) Render(ctx context.Context, rec weather.Record, jobID string) (string, error) {
	base, err := r.background(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("%w: background: %v", ErrRender, err)
	}

	img := image.NewRGBA(base.Bounds())
	draw.Draw(img, img.Bounds(), base, base.Bounds().Min, draw.Src)
	drawCaption(img, captionLines(rec))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("%w: encode: %v", ErrRender, err)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}

	url, err := r.store.Put(ctx, ObjectKey(jobID, rec.StationName), buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("%w: upload: %v", ErrRender, err)
	}

	r.logger.Debug().
		Str("job_id", jobID).
		Str("station", rec.StationName).
		Int("bytes", buf.Len()).
		Msg("image uploaded")
	return url, nil
}

// ObjectKey returns "<jobId>/<station-slug>.jpg".
func ObjectKey(jobID, station string) string {
	slug := common.Slug(station)
	if slug == "" {
		slug = "station"
	}
	return jobID + "/" + slug + ".jpg"
}

func captionLines(rec weather.Record) []string {
	return []string{
		fmt.Sprintf("Station: %s", rec.StationName),
		fmt.Sprintf("Temperature: %.1f C", rec.Temperature),
		fmt.Sprintf("Humidity: %.1f%%", rec.Humidity),
		fmt.Sprintf("Weather: %s", rec.Description),
		fmt.Sprintf("Region: %s", rec.Region),
	}
}

func (r *Renderer) background(ctx context.Context, rec weather.Record) (image.Image, error) {
	if r.baseImageURL == "" {
		return plainCanvas(rec.Temperature), nil
	}

	buildRequest := func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, r.baseImageURL, nil)
	}

	resp, err := common.DoWithResilience(ctx, r.httpCfg, r.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base image: %w", err)
	}
	return img, nil
}

// plainCanvas tints from blue (cold) to orange (warm).
func plainCanvas(tempC float64) image.Image {
	t := (tempC + 10) / 45
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	c := color.RGBA{
		R: uint8(40 + t*200),
		G: uint8(90 + t*40),
		B: uint8(200 - t*160),
		A: 255,
	}
	img := image.NewRGBA(image.Rect(0, 0, canvasWidth, canvasHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func drawCaption(img *image.RGBA, lines []string) {
	b := img.Bounds()
	panel := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+2*textMargin+len(lines)*lineHeight)
	draw.Draw(img, panel.Intersect(b), &image.Uniform{C: color.RGBA{A: 140}}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		d.Dot = fixed.P(b.Min.X+textMargin, b.Min.Y+textMargin+(i+1)*lineHeight)
		d.DrawString(line)
	}
}
