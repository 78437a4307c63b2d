package ratelimit

// ConnLimiter bounds how fast one signaling connection may send frames.
// A zero limit disables that dimension.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clock Clock, messagesPerSecond, bytesPerSecond int) *ConnLimiter {
	l := &ConnLimiter{}
	if messagesPerSecond > 0 {
		l.messages = NewTokenBucket(clock, int64(messagesPerSecond), int64(messagesPerSecond))
	}
	if bytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, int64(bytesPerSecond), int64(bytesPerSecond))
	}
	return l
}

// AllowMessage reports whether a frame of the given size fits the budget.
// The message budget is charged even when the byte budget rejects the frame.
func (l *ConnLimiter) AllowMessage(size int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false
	}
	return true
}
