package kernel

import (
	"fmt"
	"runtime/debug"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// KernelState is the lifecycle state of the kernel.
type KernelState int32

const (
	StateUninitialized KernelState = iota
	StateBooting
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[KernelState]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooting:       "BOOTING",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StatePanic:         "PANIC",
}

func (s KernelState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("KernelState(%d)", int32(s))
}

// State returns the current lifecycle state.
func (k *Kernel) State() KernelState {
	return KernelState(k.state.Load())
}

// StateName returns the current state as text.
func (k *Kernel) StateName() string {
	return k.State().String()
}

func (k *Kernel) setState(s KernelState) {
	k.state.Store(int32(s))
}

func (k *Kernel) transitionState(from, to KernelState) bool {
	return k.state.CompareAndSwap(int32(from), int32(to))
}

func (k *Kernel) invalidTransition(op string) error {
	return utils.NewKernelError(utils.ErrCodeInvalidState, "invalid lifecycle transition").
		WithContext("op", op).
		WithContext("state", k.StateName())
}

// recoverPanic turns a panic in a lifecycle call into StatePanic and an
// error for the caller.
func (k *Kernel) recoverPanic(errp *error) {
	if r := recover(); r != nil {
		k.setState(StatePanic)
		k.logger.Error("KERNEL PANIC",
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		if errp != nil {
			*errp = utils.NewKernelError(utils.ErrCodeInvalidState, "kernel panic").
				WithContext("reason", fmt.Sprint(r))
		}
	}
}
