// Package metrics implements the three classification metrics the trainer
// logs: accuracy, macro-averaged F1 and multiclass one-vs-rest AUROC.
package metrics

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/neoyinzhanghan/wsiarch/pkg/errors"
)

// Accuracy is the fraction of predictions equal to the truth.
func Accuracy(pred, truth []int32) (float64, error) {
	if len(truth) == 0 {
		return 0, errors.New("empty label vector")
	}
	if len(pred) != len(truth) {
		return 0, errors.NewShapeError("Accuracy", []int{len(truth)}, []int{len(pred)})
	}
	var correct int
	for i := range truth {
		if pred[i] == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(truth)), nil
}

// MacroF1 computes the unweighted mean of per-class F1 scores over
// numClasses classes. Classes absent from both predictions and truth
// contribute zero, consistent with the zero-division convention.
func MacroF1(pred, truth []int32, numClasses int) (float64, error) {
	if len(truth) == 0 {
		return 0, errors.New("empty label vector")
	}
	if len(pred) != len(truth) {
		return 0, errors.NewShapeError("MacroF1", []int{len(truth)}, []int{len(pred)})
	}
	if numClasses < 1 {
		return 0, errors.NewConfigError("numClasses", "must be positive", numClasses)
	}

	tp := make([]int, numClasses)
	fp := make([]int, numClasses)
	fn := make([]int, numClasses)
	for i := range truth {
		t, p := int(truth[i]), int(pred[i])
		if t < 0 || t >= numClasses || p < 0 || p >= numClasses {
			return 0, errors.Newf("label out of range [0, %d): truth=%d pred=%d", numClasses, t, p)
		}
		if p == t {
			tp[p]++
		} else {
			fp[p]++
			fn[t]++
		}
	}

	var sum float64
	for c := 0; c < numClasses; c++ {
		denom := float64(2*tp[c] + fp[c] + fn[c])
		if denom > 0 {
			sum += 2 * float64(tp[c]) / denom
		}
	}
	return sum / float64(numClasses), nil
}

// AUROC computes multiclass area under the ROC curve from (n, K) class
// probabilities, one-vs-rest averaged over classes. A class with no
// positives or no negatives in truth is ill-defined and contributes 0.5.
func AUROC(probs *mat.Dense, truth []int32) (float64, error) {
	n, k := probs.Dims()
	if n == 0 {
		return 0, errors.New("empty probability matrix")
	}
	if n != len(truth) {
		return 0, errors.NewShapeError("AUROC", []int{len(truth), k}, []int{n, k})
	}

	scores := make([]float64, n)
	pos := make([]bool, n)
	var sum float64
	for c := 0; c < k; c++ {
		for i := 0; i < n; i++ {
			scores[i] = probs.At(i, c)
			pos[i] = int(truth[i]) == c
		}
		sum += binaryAUC(scores, pos)
	}
	return sum / float64(k), nil
}

// binaryAUC is the Mann-Whitney U statistic normalized to [0, 1], with
// average ranks for tied scores. Degenerate label sets return 0.5.
func binaryAUC(scores []float64, pos []bool) float64 {
	n := len(scores)
	var nPos, nNeg int
	for _, p := range pos {
		if p {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return scores[order[a]] < scores[order[b]]
	})

	// Sum of positive ranks, ties sharing their average rank.
	var rankSum float64
	i := 0
	for i < n {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2 // ranks are 1-based
		for t := i; t < j; t++ {
			if pos[order[t]] {
				rankSum += avgRank
			}
		}
		i = j
	}

	u := rankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg))
}
