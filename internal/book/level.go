package book

import (
	"github.com/gammazero/deque"

	"mboflow/models"
)

// level is one rung of a price ladder: a FIFO queue of resting orders that
// share a price. Queue order is arrival order, front first.
type level struct {
	price  int64
	orders *deque.Deque[*models.MboMsg]
}

func newLevel(price int64) *level {
	return &level{price: price, orders: deque.New[*models.MboMsg]()}
}

func lessByPrice(a, b *level) bool {
	return a.price < b.price
}

// fold sums the level's resting quantity and order count into its displayed
// form.
func (l *level) fold() *models.PriceLevel {
	pl := &models.PriceLevel{Price: l.price}
	for i := 0; i < l.orders.Len(); i++ {
		pl.Size += l.orders.At(i).Size
		pl.Count++
	}
	return pl
}

// indexOf returns the queue position of an order id, or -1.
func (l *level) indexOf(orderID uint64) int {
	for i := 0; i < l.orders.Len(); i++ {
		if l.orders.At(i).OrderID == orderID {
			return i
		}
	}
	return -1
}
