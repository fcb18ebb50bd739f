package flow

// StepResult is the outcome of one TrainStep or EvalStep
type StepResult struct {
	Loss    float64 // batch-mean loss
	Correct int     // samples whose arg-max output equals the label
	Count   int     // samples in the batch
}

// Accuracy of a single step, 0 for an empty batch
func (r StepResult) Accuracy() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Count)
}

// Tally accumulates step results over one pass of a dataset. The zero value
// is ready to use.
type Tally struct {
	LossSum float64
	Batches int
	Correct int
	Total   int
}

// Add records one batch
func (t *Tally) Add(r StepResult) {
	t.LossSum += r.Loss
	t.Batches++
	t.Correct += r.Correct
	t.Total += r.Count
}

// Loss is the mean of the per-batch losses (not weighted by batch size).
// A pass without batches reports 0.
func (t *Tally) Loss() float64 {
	if t.Batches == 0 {
		return 0
	}
	return t.LossSum / float64(t.Batches)
}

// Accuracy is correct/total, 0 when nothing was seen
func (t *Tally) Accuracy() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Correct) / float64(t.Total)
}

// Reset clears the tally for the next pass
func (t *Tally) Reset() {
	*t = Tally{}
}

// countCorrect compares the arg-max of each output row with its label
func countCorrect(pred *tensor, labels []int) int {
	correct := 0
	for i, label := range labels {
		if argmaxRow(pred, i) == label {
			correct++
		}
	}
	return correct
}
