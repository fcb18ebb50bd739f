package flow

import (
	"fmt"
)

// oneHotEncode converts integer labels to one-hot encoding. Labels outside
// [0, numClasses) leave their row all zero.
func oneHotEncode(labels []int, numClasses int) *tensor {
	n := len(labels)
	out := newTensor(n, numClasses)
	for i, label := range labels {
		if label >= 0 && label < numClasses {
			out.data[i*numClasses+label] = 1.0
		}
	}
	return out
}

// argmaxRow returns the index of the largest value in row i of a 2-D tensor.
// Ties resolve to the lowest index.
func argmaxRow(t *tensor, i int) int {
	cols := t.shape[1]
	row := t.data[i*cols : (i+1)*cols]
	best := 0
	for j := 1; j < cols; j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("flow: "+format, args...)
}
