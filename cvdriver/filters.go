package cvdriver

import "math"

// depthFilterChain mirrors the RealSense recommended post-processing
// order: decimation, spatial smoothing, temporal smoothing. The
// temporal stage keeps the previous filtered frame, so the chain as a
// whole is stateful across calls. State is dropped on session close.
type depthFilterChain struct {
	params FilterParams

	prev     []uint16
	prevW    int
	prevH    int
	havePrev bool
}

func newDepthFilterChain(params FilterParams) *depthFilterChain {
	return &depthFilterChain{params: params}
}

func (f *depthFilterChain) process(df DepthFrame) DepthFrame {
	out := df
	if f.params.DecimationMagnitude > 1 {
		out = decimate(out, f.params.DecimationMagnitude)
	}
	if f.params.SpatialSmoothAlpha > 0 {
		out = spatialSmooth(out, f.params.SpatialSmoothAlpha, f.params.SpatialSmoothDelta, f.params.HolesFill)
	}
	if f.params.TemporalSmoothAlpha > 0 {
		out = f.temporalSmooth(out)
	}
	return out
}

// decimate downsamples by magnitude. Each output sample is the mean of
// the non-hole samples in its source block; a block of holes stays a
// hole.
func decimate(df DepthFrame, magnitude int) DepthFrame {
	w := df.Width / magnitude
	h := df.Height / magnitude
	samples := make([]uint16, w*h)

	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			var sum, count int
			for dy := 0; dy < magnitude; dy++ {
				for dx := 0; dx < magnitude; dx++ {
					v := df.Samples[(row*magnitude+dy)*df.Width+(col*magnitude+dx)]
					if v == 0 {
						continue
					}
					sum += int(v)
					count++
				}
			}
			if count > 0 {
				samples[row*w+col] = uint16(sum / count)
			}
		}
	}
	return DepthFrame{Width: w, Height: h, Samples: samples}
}

// spatialSmooth blends each sample towards the mean of its non-hole
// 8-neighbourhood, but only when the step is within delta. Larger
// steps are object edges and are preserved. With holesFill set, holes
// take the neighbourhood mean outright.
func spatialSmooth(df DepthFrame, alpha float64, delta int, holesFill bool) DepthFrame {
	samples := make([]uint16, len(df.Samples))

	for y := 0; y < df.Height; y++ {
		for x := 0; x < df.Width; x++ {
			v := df.Samples[y*df.Width+x]

			var sum, count int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= df.Width || ny >= df.Height {
						continue
					}
					n := df.Samples[ny*df.Width+nx]
					if n == 0 {
						continue
					}
					sum += int(n)
					count++
				}
			}

			if count == 0 {
				samples[y*df.Width+x] = v
				continue
			}
			mean := float64(sum) / float64(count)

			if v == 0 {
				if holesFill {
					samples[y*df.Width+x] = uint16(mean)
				}
				continue
			}
			if math.Abs(float64(v)-mean) <= float64(delta) {
				samples[y*df.Width+x] = uint16(alpha*float64(v) + (1-alpha)*mean)
			} else {
				samples[y*df.Width+x] = v
			}
		}
	}
	return DepthFrame{Width: df.Width, Height: df.Height, Samples: samples}
}

// temporalSmooth blends against the previous filtered frame when the
// per-pixel step is within delta. The first frame after open (or after
// a dimension change from re-tuned decimation) passes through and
// seeds the history.
func (f *depthFilterChain) temporalSmooth(df DepthFrame) DepthFrame {
	if !f.havePrev || f.prevW != df.Width || f.prevH != df.Height {
		f.prev = append([]uint16(nil), df.Samples...)
		f.prevW = df.Width
		f.prevH = df.Height
		f.havePrev = true
		return df
	}

	alpha := f.params.TemporalSmoothAlpha
	delta := float64(f.params.TemporalSmoothDelta)
	samples := make([]uint16, len(df.Samples))

	for i, v := range df.Samples {
		p := f.prev[i]
		if v == 0 || p == 0 {
			samples[i] = v
			continue
		}
		if math.Abs(float64(v)-float64(p)) <= delta {
			samples[i] = uint16(alpha*float64(v) + (1-alpha)*float64(p))
		} else {
			samples[i] = v
		}
	}

	copy(f.prev, samples)
	return DepthFrame{Width: df.Width, Height: df.Height, Samples: samples}
}
