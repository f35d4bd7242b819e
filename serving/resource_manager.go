package serving

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ResourceManager owns the batch slots and the free list of KV cache blocks.
// A slot is either free (stopFlags[i] == true, tasksList[i] == nil) or
// occupied by exactly one admitted task whose Idx equals the slot index.
// Every block index in [0, MaxBlockNum) lives either in the free list or in
// exactly one admitted task's BlockTables.
//
// Admission runs on the scheduler goroutine and recycling on the token
// processor goroutine, so all state is guarded by a single mutex.
type ResourceManager struct {
	mu sync.Mutex

	cfg       *Config
	stopFlags []bool
	tasksList []*Task
	freeList  []int // stack: pop from the end
	realBsz   int

	rng *rand.Rand
}

// NewResourceManager creates a manager with all slots free and the free list
// holding [MaxBlockNum-1 .. 0], so the first pop returns block 0.
func NewResourceManager(cfg *Config) *ResourceManager {
	rm := &ResourceManager{
		cfg:       cfg,
		stopFlags: make([]bool, cfg.MaxBatchSize),
		tasksList: make([]*Task, cfg.MaxBatchSize),
		freeList:  make([]int, 0, cfg.MaxBlockNum),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range rm.stopFlags {
		rm.stopFlags[i] = true
	}
	for i := cfg.MaxBlockNum - 1; i >= 0; i-- {
		rm.freeList = append(rm.freeList, i)
	}
	logrus.Info(rm.Info())
	return rm
}

// GetRequiredBlockNum returns the blocks needed to hold the prompt plus the
// reserved decode window.
func (rm *ResourceManager) GetRequiredBlockNum(inputTokenNum int) int {
	return (inputTokenNum + rm.cfg.DecTokenNum + rm.cfg.BlockSize - 1) / rm.cfg.BlockSize
}

// getBlockTables pops the required blocks off the free list. Returns nil when
// the free list cannot cover the demand; the caller must then reject the task
// without occupying a slot.
func (rm *ResourceManager) getBlockTables(inputTokenNum int) []int {
	blockNum := rm.GetRequiredBlockNum(inputTokenNum)
	if blockNum > rm.cfg.MaxQueryBlockNum {
		blockNum = rm.cfg.MaxQueryBlockNum
	}
	if blockNum > len(rm.freeList) {
		logrus.Errorf("block_num: %d > free_list len: %d", blockNum, len(rm.freeList))
		return nil
	}
	tables := make([]int, 0, blockNum)
	for i := 0; i < blockNum; i++ {
		top := rm.freeList[len(rm.freeList)-1]
		rm.freeList = rm.freeList[:len(rm.freeList)-1]
		tables = append(tables, top)
	}
	logrus.Debugf("dispatch %d blocks", len(tables))
	return tables
}

// AvailableBatch returns the number of free slots.
func (rm *ResourceManager) AvailableBatch() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.availableBatchLocked()
}

func (rm *ResourceManager) availableBatchLocked() int {
	n := 0
	for _, free := range rm.stopFlags {
		if free {
			n++
		}
	}
	return n
}

// AvailableBlockNum returns the current size of the free list.
func (rm *ResourceManager) AvailableBlockNum() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.freeList)
}

// IsResourceSufficient reports whether a task with the given prompt length
// could be admitted right now: at least one free slot and enough free blocks.
func (rm *ResourceManager) IsResourceSufficient(inputTokenNum int) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.availableBatchLocked() < 1 {
		return false
	}
	return rm.GetRequiredBlockNum(inputTokenNum) <= len(rm.freeList)
}

// AllocateResourcesForNewTasks walks candidates and slots in ascending order
// and admits what fits. Admission is best-effort, order-preserving and
// non-blocking:
//
//   - oversize prompts (len > max_seq_len) are rejected outright and dropped;
//   - a candidate whose block demand exceeds the free list is skipped without
//     consuming a slot and stays in the caller's batch for the next round.
//
// Admitted tasks get their slot index, block tables, seed and start time
// filled in. The returned slice preserves input order.
func (rm *ResourceManager) AllocateResourcesForNewTasks(tasks []*Task) []*Task {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	processed := make([]*Task, 0, len(tasks))
	slot := 0
	for _, task := range tasks {
		if len(task.InputIDs) > rm.cfg.MaxSeqLen {
			logrus.Errorf("req_id: %s input_ids len: %d > %d", task.ReqID, len(task.InputIDs), rm.cfg.MaxSeqLen)
			continue
		}
		for slot < rm.cfg.MaxBatchSize && !rm.stopFlags[slot] {
			slot++
		}
		if slot >= rm.cfg.MaxBatchSize {
			break
		}
		tables := rm.getBlockTables(len(task.InputIDs))
		if tables == nil {
			logrus.Errorf("req_id: %s block_tables is empty", task.ReqID)
			continue
		}
		task.Idx = slot
		task.BlockTables = tables
		if task.InferSeed == nil {
			seed := rm.rng.Int63()
			task.InferSeed = &seed
		}
		task.InferenceStartTime = time.Now()
		task.InferenceTimeCost = -1.0
		task.TokensAllNum = 0
		rm.stopFlags[slot] = false
		rm.tasksList[slot] = task
		processed = append(processed, task)
		logrus.Infof("allocate req_id: %s, allocated_position: %d, input_ids_length: %d",
			task.ReqID, slot, len(task.InputIDs))
		slot++
	}

	rm.recomputeRealBszLocked()
	logrus.Infof("in num: %d new task num: %d real_bsz is: %d", len(tasks), len(processed), rm.realBsz)
	logrus.Info(rm.infoLocked())
	return processed
}

func (rm *ResourceManager) recomputeRealBszLocked() {
	rm.realBsz = 0
	for i := rm.cfg.MaxBatchSize - 1; i >= 0; i-- {
		if !rm.stopFlags[i] {
			rm.realBsz = i + 1
			break
		}
	}
}

// Recycle retires the task in the given slot: the slot becomes free and its
// block tables are returned to the free list. Recycling is a plain extend;
// handing the same block back twice is a caller bug and would corrupt the
// pool accounting.
func (rm *ResourceManager) Recycle(slot int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	task := rm.tasksList[slot]
	if task == nil {
		logrus.Errorf("recycle on empty slot %d", slot)
		return
	}
	before := len(rm.freeList)
	rm.freeList = append(rm.freeList, task.BlockTables...)
	rm.stopFlags[slot] = true
	rm.tasksList[slot] = nil
	rm.recomputeRealBszLocked()
	logrus.Infof("recycle %d blocks", len(rm.freeList)-before)
}

// RealBsz returns 1 + the highest occupied slot index, or 0 when idle. This
// is the active width the executor must process each step.
func (rm *ResourceManager) RealBsz() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.realBsz
}

// StopFlagAt reports whether slot i is free.
func (rm *ResourceManager) StopFlagAt(i int) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.stopFlags[i]
}

// TaskAt returns the task occupying slot i, or nil.
func (rm *ResourceManager) TaskAt(i int) *Task {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.tasksList[i]
}

// TasksSnapshot returns a copy of the slot array for handing to the executor.
func (rm *ResourceManager) TasksSnapshot() []*Task {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	snap := make([]*Task, len(rm.tasksList))
	copy(snap, rm.tasksList)
	return snap
}

// TotalBlockNumber returns the size of the preallocated block pool.
func (rm *ResourceManager) TotalBlockNumber() int {
	return rm.cfg.MaxBlockNum
}

// Info summarizes pool occupancy for logging.
func (rm *ResourceManager) Info() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.infoLocked()
}

func (rm *ResourceManager) infoLocked() string {
	return fmt.Sprintf("ResourceManager info, total_block_number: %d, total_batch_number: %d, "+
		"available_block_num: %d, available_batch: %d",
		rm.cfg.MaxBlockNum, len(rm.stopFlags), len(rm.freeList), rm.availableBatchLocked())
}
