package tunnel

import (
	"log"
	"sync"
)

// serialQueue 单消费者 FIFO 队列
//
// 入队永不阻塞（无界），状态回调即使来自提供方内部的锁内也不会死锁。
type serialQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
	done   chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// submit 入队；队列关闭后返回 false
func (q *serialQueue) submit(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
	return true
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.exec(job)
	}
}

func (q *serialQueue) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Tunnel] queued job panic: %v", r)
		}
	}()
	job()
}

// close 拒绝新任务，已入队的任务执行完后退出
func (q *serialQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}
