package train

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MonitorMetric drives checkpointing and early stopping.
const MonitorMetric = "GeneralizedDice"

// Metric accumulates binary predictions over an epoch.
type Metric interface {
	Update(pred, target []float32)
	Compute() float64
	Reset()
}

// confusion counts pixels; values above 0.5 are positive.
type confusion struct {
	tp, fp, fn, tn int64
}

func (c *confusion) Update(pred, target []float32) {
	for i, p := range pred {
		pos, truth := p > 0.5, target[i] > 0.5
		switch {
		case pos && truth:
			c.tp++
		case pos:
			c.fp++
		case truth:
			c.fn++
		default:
			c.tn++
		}
	}
}

func (c *confusion) Reset() { *c = confusion{} }

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// IoU is the foreground Jaccard index.
type IoU struct{ confusion }

func (m *IoU) Compute() float64 { return ratio(m.tp, m.tp+m.fp+m.fn) }

type Precision struct{ confusion }

func (m *Precision) Compute() float64 { return ratio(m.tp, m.tp+m.fp) }

type Recall struct{ confusion }

func (m *Recall) Compute() float64 { return ratio(m.tp, m.tp+m.fn) }

type F1 struct{ confusion }

func (m *F1) Compute() float64 { return ratio(2*m.tp, 2*m.tp+m.fp+m.fn) }

// GeneralizedDice is the mean Dice of the background and forest classes. A
// class absent from both prediction and target scores 1.
type GeneralizedDice struct{ confusion }

func (m *GeneralizedDice) Compute() float64 {
	classDice := func(hit, miss int64) float64 {
		if hit == 0 && miss == 0 {
			return 1
		}
		return ratio(2*hit, 2*hit+miss)
	}
	fg := classDice(m.tp, m.fp+m.fn)
	bg := classDice(m.tn, m.fp+m.fn)
	return (fg + bg) / 2
}

// Metrics is an ordered set of named metrics updated together.
type Metrics struct {
	names  []string
	byName map[string]Metric
}

// NewMetrics returns an empty set.
func NewMetrics() *Metrics {
	return &Metrics{byName: make(map[string]Metric)}
}

// Register appends a metric. Names must be unique and not "loss".
func (ms *Metrics) Register(name string, m Metric) error {
	if name == "loss" {
		return fmt.Errorf("metric name %q is reserved", name)
	}
	if _, ok := ms.byName[name]; ok {
		return fmt.Errorf("metric %q already registered", name)
	}
	ms.names = append(ms.names, name)
	ms.byName[name] = m
	return nil
}

// Names returns metric names in registration order.
func (ms *Metrics) Names() []string { return append([]string(nil), ms.names...) }

func (ms *Metrics) Update(pred, target []float32) {
	for _, n := range ms.names {
		ms.byName[n].Update(pred, target)
	}
}

func (ms *Metrics) Reset() {
	for _, n := range ms.names {
		ms.byName[n].Reset()
	}
}

// Snapshot computes every metric into a record carrying loss.
func (ms *Metrics) Snapshot(loss float64) EpochRecord {
	rec := EpochRecord{Loss: loss}
	for _, n := range ms.names {
		rec.Metrics = append(rec.Metrics, MetricValue{Name: n, Value: ms.byName[n].Compute()})
	}
	return rec
}

// DefaultMetrics registers GeneralizedDice, IoU, Precision, Recall and F1.
func DefaultMetrics() *Metrics {
	ms := NewMetrics()
	ms.Register(MonitorMetric, &GeneralizedDice{})
	ms.Register("IoU", &IoU{})
	ms.Register("Precision", &Precision{})
	ms.Register("Recall", &Recall{})
	ms.Register("F1", &F1{})
	return ms
}

// MetricValue is one computed metric.
type MetricValue struct {
	Name  string
	Value float64
}

// EpochRecord is the loss and metrics of one phase of one epoch. It
// serialises as a flat JSON object with "loss" first and metrics in
// registration order.
type EpochRecord struct {
	Loss    float64
	Metrics []MetricValue
}

// Get returns a metric by name.
func (r EpochRecord) Get(name string) (float64, bool) {
	if name == "loss" {
		return r.Loss, true
	}
	for _, m := range r.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

func (r EpochRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"loss":`)
	buf.Write(jsonNumber(r.Loss))
	for _, m := range r.Metrics {
		k, err := json.Marshal(m.Name)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		buf.WriteByte(',')
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(jsonNumber(m.Value))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// jsonNumber encodes v, writing null for NaN and ±Inf.
func jsonNumber(v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null")
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64)
}

func (r *EpochRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return fmt.Errorf("epoch record must be a JSON object")
	}
	*r = EpochRecord{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var p *float64
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("epoch record %q: %w", name, err)
		}
		v := math.NaN()
		if p != nil {
			v = *p
		}
		if name == "loss" {
			r.Loss = v
			continue
		}
		r.Metrics = append(r.Metrics, MetricValue{Name: name, Value: v})
	}
	_, err := dec.Token()
	return err
}
