package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmotionFusionPipeline/internal/registry"
)

func TestCreateAndGet(t *testing.T) {
	reg := registry.New(time.Minute)

	session, err := reg.Create("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID())
	assert.Equal(t, registry.StateConnecting, session.State())
	assert.Equal(t, 1, reg.ActiveCount())

	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, session, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)

	_, err = reg.Create("s1")
	assert.ErrorIs(t, err, registry.ErrSessionExists)
}

// TestTransitionTableTotal 状态转移表对每个(当前状态,目标状态)要么唯一确定要么拒绝
func TestTransitionTableTotal(t *testing.T) {
	states := []registry.SessionState{
		registry.StateConnecting, registry.StateConnected, registry.StateDegraded,
		registry.StateDisconnected, registry.StateClosed,
	}

	allowed := map[registry.SessionState][]registry.SessionState{
		registry.StateConnecting:   {registry.StateConnected, registry.StateDisconnected, registry.StateClosed},
		registry.StateConnected:    {registry.StateDegraded, registry.StateDisconnected, registry.StateClosed},
		registry.StateDegraded:     {registry.StateConnected, registry.StateDisconnected, registry.StateClosed},
		registry.StateDisconnected: {registry.StateConnecting, registry.StateClosed},
		registry.StateClosed:       {},
	}

	for _, from := range states {
		for _, to := range states {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, registry.CanTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	reg := registry.New(time.Minute)
	_, err := reg.Create("s1")
	require.NoError(t, err)

	// Connecting -> Degraded 非法
	err = reg.Transition("s1", registry.StateDegraded)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	require.NoError(t, reg.Transition("s1", registry.StateConnected))
	require.NoError(t, reg.Transition("s1", registry.StateDegraded))
	require.NoError(t, reg.Transition("s1", registry.StateConnected))

	// Closed 是终态
	require.NoError(t, reg.Close("s1"))
	err = reg.Transition("s1", registry.StateConnected)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestReconnectAttemptResetOnConnected(t *testing.T) {
	reg := registry.New(time.Minute)
	session, err := reg.Create("s1")
	require.NoError(t, err)

	require.NoError(t, reg.Transition("s1", registry.StateConnected))
	require.NoError(t, reg.Transition("s1", registry.StateDisconnected))

	assert.Equal(t, 1, session.IncReconnectAttempt())
	assert.Equal(t, 2, session.IncReconnectAttempt())

	require.NoError(t, reg.Transition("s1", registry.StateConnecting))
	require.NoError(t, reg.Transition("s1", registry.StateConnected))
	assert.Equal(t, 0, session.ReconnectAttempt())
}

func TestAssignWorkerWriteOnce(t *testing.T) {
	reg := registry.New(time.Minute)
	_, err := reg.Create("s1")
	require.NoError(t, err)

	require.NoError(t, reg.AssignWorker("s1", 2))
	// 相同worker重复赋值是no-op
	require.NoError(t, reg.AssignWorker("s1", 2))
	// 不同worker报错
	err = reg.AssignWorker("s1", 3)
	assert.ErrorIs(t, err, registry.ErrAlreadyAssigned)

	session, _ := reg.Get("s1")
	workerID, assigned := session.WorkerID()
	assert.True(t, assigned)
	assert.Equal(t, 2, workerID)
}

// TestCloseIdempotent 关闭两次与一次效果一致：钩子只触发一次
func TestCloseIdempotent(t *testing.T) {
	reg := registry.New(time.Minute)

	var hookCalls int
	var mu sync.Mutex
	reg.OnClose(func(info registry.SessionInfo) {
		mu.Lock()
		hookCalls++
		mu.Unlock()
	})

	_, err := reg.Create("s1")
	require.NoError(t, err)
	require.NoError(t, reg.Transition("s1", registry.StateConnected))

	require.NoError(t, reg.Close("s1"))
	require.NoError(t, reg.Close("s1"))

	session, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosed, session.State())
	assert.Equal(t, 0, reg.ActiveCount())

	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	mu.Unlock()
}

// TestTransitionToClosedRunsCloseBookkeeping 通过转移接口进入Closed
// 与直接Close等价：活跃计数递减、关闭钩子恰好触发一次、后续Close仍幂等
func TestTransitionToClosedRunsCloseBookkeeping(t *testing.T) {
	reg := registry.New(time.Minute)

	var hookCalls int
	var mu sync.Mutex
	reg.OnClose(func(info registry.SessionInfo) {
		mu.Lock()
		hookCalls++
		mu.Unlock()
		assert.True(t, info.WorkerAssigned)
		assert.Equal(t, 0, info.WorkerID)
	})

	_, err := reg.Create("s1")
	require.NoError(t, err)
	require.NoError(t, reg.AssignWorker("s1", 0))

	require.NoError(t, reg.Transition("s1", registry.StateClosed))

	session, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosed, session.State())
	assert.Equal(t, 0, reg.ActiveCount())
	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	mu.Unlock()

	// 关闭后再Close或再转移到Closed都是no-op，钩子不再触发
	require.NoError(t, reg.Close("s1"))
	require.NoError(t, reg.Transition("s1", registry.StateClosed))
	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	mu.Unlock()
	assert.Equal(t, 0, reg.ActiveCount())
}

// TestGraceRemoval 关闭后的记录在宽限期内可查（迟到结果安全丢弃），之后移除
func TestGraceRemoval(t *testing.T) {
	reg := registry.New(100 * time.Millisecond)

	removed := make(chan registry.SessionInfo, 1)
	reg.OnRemove(func(info registry.SessionInfo) {
		removed <- info
	})

	_, err := reg.Create("s1")
	require.NoError(t, err)
	require.NoError(t, reg.Close("s1"))

	// 宽限期内仍可查到Closed记录
	session, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateClosed, session.State())

	select {
	case info := <-removed:
		assert.Equal(t, "s1", info.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not removed after grace period")
	}

	_, err = reg.Get("s1")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

// TestConcurrentTransitions 同一会话的并发转移被串行化，不会出现半更新状态
func TestConcurrentTransitions(t *testing.T) {
	reg := registry.New(time.Minute)
	_, err := reg.Create("s1")
	require.NoError(t, err)
	require.NoError(t, reg.Transition("s1", registry.StateConnected))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Transition("s1", registry.StateDegraded)
			reg.Transition("s1", registry.StateConnected)
		}()
	}
	wg.Wait()

	session, _ := reg.Get("s1")
	state := session.State()
	assert.True(t, state == registry.StateConnected || state == registry.StateDegraded,
		"unexpected state %s", state)
}

func TestSnapshot(t *testing.T) {
	reg := registry.New(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Create(id)
		require.NoError(t, err)
	}

	infos := reg.Snapshot()
	assert.Len(t, infos, 3)
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
		assert.Equal(t, registry.StateConnecting, info.State)
	}
	assert.Len(t, seen, 3)
}
