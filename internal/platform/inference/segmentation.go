package inference

import (
	"context"
	"hash/fnv"
	"math"
)

// Region is one localized annotation for a detected finding. BoundingBox is
// normalized to the image: x1, y1, x2, y2 in [0,1].
type Region struct {
	RegionID           string     `json:"region_id"`
	AnatomicalLocation string     `json:"anatomical_location"`
	Confidence         float64    `json:"confidence"`
	BoundingBox        [4]float64 `json:"bounding_box"`
}

// Segmentation maps a detected finding to its regions. Findings that were not
// detected have no key at all.
type Segmentation map[string][]Region

// Segmenter localizes the detected findings of a pathology map.
type Segmenter interface {
	Segment(ctx context.Context, pathology PathologyMap) (Segmentation, error)
}

type anatomicalRegion struct {
	id   string
	name string
	box  [4]float64
}

var anatomicalRegions = []anatomicalRegion{
	{"upper_left_lung", "Upper Left Lung", [4]float64{0, 0, 0.45, 0.6}},
	{"lower_left_lung", "Lower Left Lung", [4]float64{0, 0.4, 0.45, 1.0}},
	{"upper_right_lung", "Upper Right Lung", [4]float64{0.55, 0, 1.0, 0.6}},
	{"lower_right_lung", "Lower Right Lung", [4]float64{0.55, 0.4, 1.0, 1.0}},
	{"heart", "Cardiac Region", [4]float64{0.35, 0.3, 0.65, 0.8}},
	{"mediastinum", "Mediastinum", [4]float64{0.4, 0.1, 0.6, 0.9}},
}

// findingRegions pins findings with a fixed anatomical home.
var findingRegions = map[string]string{
	"Cardiomegaly": "heart",
	"Hernia":       "mediastinum",
}

// AnatomicalSegmenter assigns every detected finding to one of six fixed
// chest regions. It is deterministic: the same map always yields the same
// regions.
type AnatomicalSegmenter struct{}

func NewAnatomicalSegmenter() *AnatomicalSegmenter {
	return &AnatomicalSegmenter{}
}

func (s *AnatomicalSegmenter) Segment(ctx context.Context, pathology PathologyMap) (Segmentation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(Segmentation)
	for _, name := range Vocabulary {
		f, ok := pathology[name]
		if !ok || !f.Detected {
			continue
		}
		r := regionFor(name)
		out[name] = []Region{{
			RegionID:           r.id,
			AnatomicalLocation: r.name,
			Confidence:         math.Round(f.Probability*1000) / 1000,
			BoundingBox:        r.box,
		}}
	}
	return out, nil
}

// Only keeps the entries of findings detected in pathology. Empty region
// lists are dropped too: an absent finding has no key at all.
func (s Segmentation) Only(pathology PathologyMap) Segmentation {
	out := make(Segmentation, len(s))
	for name, regions := range s {
		if f, ok := pathology[name]; ok && f.Detected && len(regions) > 0 {
			out[name] = regions
		}
	}
	return out
}

func regionFor(finding string) anatomicalRegion {
	if id, ok := findingRegions[finding]; ok {
		for _, r := range anatomicalRegions {
			if r.id == id {
				return r
			}
		}
	}
	// Everything else lands in one of the four lung fields.
	h := fnv.New32a()
	h.Write([]byte(finding))
	return anatomicalRegions[h.Sum32()%4]
}
