package model

import (
	"image"
	"image/color"
	"time"
)

// Raster is a decoded pixel grid. Image holds the pixel values; Bands is the
// number of channels per pixel in the source encoding.
type Raster struct {
	Image  image.Image `json:"-"`
	Bands  int         `json:"bands"`
	Format string      `json:"format"`
}

// NewRaster wraps img and derives the band count from its color model.
func NewRaster(img image.Image, format string) Raster {
	return Raster{Image: img, Bands: BandCount(img), Format: format}
}

// Width returns the pixel width, or 0 for an empty raster.
func (r Raster) Width() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dx()
}

// Height returns the pixel height, or 0 for an empty raster.
func (r Raster) Height() int {
	if r.Image == nil {
		return 0
	}
	return r.Image.Bounds().Dy()
}

// BandCount infers channels per pixel from the image's color model.
func BandCount(img image.Image) int {
	if img == nil {
		return 0
	}
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.YCbCrModel:
		return 3
	case color.CMYKModel, color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model:
		return 4
	case color.AlphaModel, color.Alpha16Model:
		return 1
	}
	if _, ok := img.(*image.Paletted); ok {
		return 1
	}
	return 4
}

// ImageryTile is a georeferenced raster. Extent is expressed in CRS units.
type ImageryTile struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Layer      string    `json:"layer,omitempty"`
	Extent     Extent    `json:"extent"`
	CRS        string    `json:"crs"`
	AcquiredAt time.Time `json:"acquired_at"`
	Raster     Raster    `json:"raster"`
}

// ImageryQuery selects imagery covering a region within a time window.
type ImageryQuery struct {
	TimeRange
	Bounds Bounds `json:"bounds"`
}

// Coverage reports how much of the requested region the returned tiles cover.
type Coverage struct {
	Requested Bounds   `json:"requested"`
	Covered   []Bounds `json:"covered,omitempty"`
	Fraction  float64  `json:"fraction"`
	Partial   bool     `json:"partial"`
}

// Empty reports zero coverage.
func (c Coverage) Empty() bool { return c.Fraction == 0 }

// ImageryResult is the output of an imagery fetch.
type ImageryResult struct {
	Tiles    []ImageryTile `json:"tiles"`
	Coverage Coverage      `json:"coverage"`
}
