package models

import (
	"fmt"
	"sort"
	"time"
)

// Plan тариф: фиксированная цена в копейках за период.
type Plan struct {
	Code     string        `json:"code"`
	Title    string        `json:"title"`
	Price    int64         `json:"price"`
	Duration time.Duration `json:"duration"`
}

// Catalog закрытый набор тарифов, загружается один раз при старте.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// NewCatalog собирает каталог, коды тарифов должны быть уникальны.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if _, ok := c.plans[p.Code]; ok {
			return nil, fmt.Errorf("models.NewCatalog: duplicate plan %q", p.Code)
		}
		c.plans[p.Code] = p
		c.order = append(c.order, p.Code)
	}
	return c, nil
}

// Get возвращает тариф по коду.
func (c *Catalog) Get(code string) (Plan, bool) {
	p, ok := c.plans[code]
	return p, ok
}

// All возвращает тарифы в порядке объявления.
func (c *Catalog) All() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.plans[code])
	}
	return out
}

// Codes возвращает отсортированные коды тарифов.
func (c *Catalog) Codes() []string {
	codes := append([]string(nil), c.order...)
	sort.Strings(codes)
	return codes
}

// FormatRub печатает сумму в копейках как рубли.
func FormatRub(kopecks int64) string {
	sign := ""
	if kopecks < 0 {
		sign = "-"
		kopecks = -kopecks
	}
	if kopecks%100 == 0 {
		return fmt.Sprintf("%s%d ₽", sign, kopecks/100)
	}
	return fmt.Sprintf("%s%d.%02d ₽", sign, kopecks/100, kopecks%100)
}
