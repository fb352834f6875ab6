// Package observe は購読可能な単一の値を提供する。
// 値の更新は常に丸ごとの置き換えで行われ、購読者が更新途中の状態を観測することはない。
package observe

import "sync"

// Value は最新の値を保持し、更新を購読者へ通知する。
// 通知は最新値のみを保持する容量1のチャネルで行い、遅い購読者は中間の値を読み飛ばす。
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[int]chan T
	nextID  int
	closed  bool
}

// New は初期値vを持つValueを生成する。
func New[T any](v T) *Value[T] {
	return &Value[T]{
		current: v,
		subs:    make(map[int]chan T),
	}
}

// Load は現在の値を返す。
func (o *Value[T]) Load() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Store は値を置き換え、全購読者に通知する。Close後は何もしない。
func (o *Value[T]) Store(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.current = v
	for _, ch := range o.subs {
		offer(ch, v)
	}
}

// Update は現在の値にfnを適用した結果で値を置き換える。
// 読み出しと書き込みの間に他の更新が割り込むことはない。
func (o *Value[T]) Update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return o.current
	}
	o.current = fn(o.current)
	for _, ch := range o.subs {
		offer(ch, o.current)
	}
	return o.current
}

// Subscribe は値の更新を受け取るチャネルと購読解除関数を返す。
// チャネルには購読時点の値が最初に届く。Closeされるとチャネルは閉じられる。
func (o *Value[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	if o.closed {
		close(ch)
		return ch, func() {}
	}

	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	ch <- o.current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(sub)
			}
		})
	}
}

// Close は全購読者のチャネルを閉じ、以後の更新を無視する。
func (o *Value[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

// offer はchに未読の古い値があれば捨ててからvを送る。
// 呼び出し側がロックを保持しているため、送信がブロックすることはない。
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
