package flow

import "math"

// Loss computes a batch-mean loss from raw network outputs [batch, classes]
// and integer class labels, and the matching gradient w.r.t. the outputs.
type Loss interface {
	compute(pred *tensor, labels []int) float64
	gradient(pred *tensor, labels []int, gradOut *tensor)
	name() string
}

// SoftmaxCrossEntropyLoss - softmax followed by negative log likelihood,
// computed from logits in one numerically stable step
type SoftmaxCrossEntropyLoss struct{}

func SoftmaxCrossEntropy() Loss {
	return &SoftmaxCrossEntropyLoss{}
}

func (c *SoftmaxCrossEntropyLoss) compute(pred *tensor, labels []int) float64 {
	batch, classes := pred.shape[0], pred.shape[1]
	sum := 0.0
	for i := 0; i < batch; i++ {
		row := pred.data[i*classes : (i+1)*classes]
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = max(maxV, v)
		}
		lse := 0.0
		for _, v := range row {
			lse += math.Exp(v - maxV)
		}
		sum += math.Log(lse) + maxV - row[labels[i]]
	}
	return sum / float64(batch)
}

func (c *SoftmaxCrossEntropyLoss) gradient(pred *tensor, labels []int, gradOut *tensor) {
	batch, classes := pred.shape[0], pred.shape[1]
	scale := 1.0 / float64(batch)
	for i := 0; i < batch; i++ {
		lo, hi := i*classes, (i+1)*classes
		softmaxRow(pred.data[lo:hi], gradOut.data[lo:hi])
		gradOut.data[lo+labels[i]] -= 1
		for j := lo; j < hi; j++ {
			gradOut.data[j] *= scale
		}
	}
}

func (c *SoftmaxCrossEntropyLoss) name() string { return "cross_entropy" }

// MSELoss - Mean Squared Error against one-hot encoded labels, averaged over
// every element
type MSELoss struct{}

func MSE() Loss {
	return &MSELoss{}
}

func (m *MSELoss) compute(pred *tensor, labels []int) float64 {
	target := oneHotEncode(labels, pred.shape[1])
	sum := 0.0
	for i := range pred.data {
		diff := pred.data[i] - target.data[i]
		sum += diff * diff
	}
	return sum / float64(len(pred.data))
}

func (m *MSELoss) gradient(pred *tensor, labels []int, gradOut *tensor) {
	target := oneHotEncode(labels, pred.shape[1])
	scale := 2.0 / float64(len(pred.data))
	for i := range pred.data {
		gradOut.data[i] = scale * (pred.data[i] - target.data[i])
	}
}

func (m *MSELoss) name() string { return "mse" }

// BCEWithLogitsLoss - sigmoid + binary cross entropy per output unit against
// one-hot encoded labels, averaged over every element
type BCEWithLogitsLoss struct{}

func BCEWithLogits() Loss {
	return &BCEWithLogitsLoss{}
}

func (b *BCEWithLogitsLoss) compute(pred *tensor, labels []int) float64 {
	target := oneHotEncode(labels, pred.shape[1])
	sum := 0.0
	for i, x := range pred.data {
		// max(x,0) - x*y + log(1 + exp(-|x|))
		sum += math.Max(x, 0) - x*target.data[i] + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return sum / float64(len(pred.data))
}

func (b *BCEWithLogitsLoss) gradient(pred *tensor, labels []int, gradOut *tensor) {
	target := oneHotEncode(labels, pred.shape[1])
	scale := 1.0 / float64(len(pred.data))
	for i, x := range pred.data {
		gradOut.data[i] = scale * (sigmoid(x) - target.data[i])
	}
}

func (b *BCEWithLogitsLoss) name() string { return "bce_with_logits" }
