// Package dispatch buffers, throttles and delivers event messages to a single
// rate-limited webhook per Queue.
//
// A Queue owns a coalescing buffer, a FIFO dispatch queue and the scheduler
// that drains it. All state lives behind one mutex; timers are one-shot
// clock.AfterFunc callbacks guarded by generation counters so a stopped timer
// that already fired can never act. At most one delivery is in flight per
// Queue: the transition into StateDispatching is the only way to send.
//
// Registry maps destination URLs to Queues and drains them on shutdown.
package dispatch
