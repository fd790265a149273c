package train

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// rocAUC returns the area under the ROC curve of scores against labels, or
// NaN when either class is missing.
func rocAUC(scores []float64, labels []bool) float64 {
	var pos, neg int
	for _, l := range labels {
		if l {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return math.NaN()
	}

	y := make([]float64, len(scores))
	classes := make([]bool, len(labels))
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })
	for i, j := range idx {
		y[i] = scores[j]
		classes[i] = labels[j]
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
