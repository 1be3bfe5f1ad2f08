package training

import "math"

// accuracyTolerance is the relative error under which a prediction counts
// as accurate.
const accuracyTolerance = 0.1

// Evaluate returns MSE, RMSE, MAE, R2 and Accuracy of predicted against actual.
// Both slices must have the same length.
func Evaluate(actual, predicted []float64) map[string]float64 {
	n := len(actual)
	if n == 0 || len(predicted) != n {
		return map[string]float64{"MSE": 0, "RMSE": 0, "MAE": 0, "R2": 0, "Accuracy": 0}
	}

	var sum, sqErr, absErr float64
	hits := 0
	for i, y := range actual {
		d := predicted[i] - y
		sum += y
		sqErr += d * d
		absErr += math.Abs(d)
		if y != 0 && math.Abs(d)/math.Abs(y) <= accuracyTolerance {
			hits++
		}
	}
	mean := sum / float64(n)
	var ssTot float64
	for _, y := range actual {
		ssTot += (y - mean) * (y - mean)
	}

	mse := sqErr / float64(n)
	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - sqErr/ssTot
	}
	return map[string]float64{
		"MSE":      mse,
		"RMSE":     math.Sqrt(mse),
		"MAE":      absErr / float64(n),
		"R2":       r2,
		"Accuracy": float64(hits) / float64(n),
	}
}

// Sample picks at most limit evenly spaced pairs from actual and predicted.
func Sample(actual, predicted []float64, limit int) (a, p []float64) {
	n := min(len(actual), len(predicted))
	if n == 0 || limit <= 0 {
		return []float64{}, []float64{}
	}
	step := max(n/limit, 1)
	for i := 0; i < n && len(a) < limit; i += step {
		a = append(a, actual[i])
		p = append(p, predicted[i])
	}
	return a, p
}

