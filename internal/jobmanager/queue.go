package jobmanager

// jobQueue 實作 container/heap.Interface
// 排序: Priority 小者優先，同優先級依 Seq（提交順序）FIFO
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}

// lowest 回傳最後才會被執行的任務（最低優先級中最晚提交者）
func (q jobQueue) lowest() *Job {
	var worst *Job
	for _, job := range q {
		if worst == nil || worst.Priority < job.Priority ||
			(worst.Priority == job.Priority && worst.Seq < job.Seq) {
			worst = job
		}
	}
	return worst
}
