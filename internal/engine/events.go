package engine

import (
	"github.com/google/uuid"

	"github.com/brandon/mailengine/pkg/types"
)

// Observer receives engine events. Callbacks for one subscriber are
// delivered in order from a single goroutine; implementations must not
// block for long or they delay their own queue.
type Observer interface {
	OnNewMessage(accountID, folder string, msg types.Message)
	OnFlagsChanged(accountID, folder string, uid uint32, flags []types.Flag)
	OnFolderListChanged(accountID string, folders []types.Folder)
	OnConnectionStatusChanged(accountID string, state types.ConnState)
	OnSendCompleted(accountID string, err error)
}

// subscriber owns one observer and its delivery queue.
type subscriber struct {
	id    string
	queue chan func(Observer)
	done  chan struct{}
}

func newSubscriber(obs Observer) *subscriber {
	s := &subscriber{
		id:    uuid.NewString(),
		queue: make(chan func(Observer), 64),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for fn := range s.queue {
			fn(obs)
		}
	}()
	return s
}

func (s *subscriber) close() {
	close(s.queue)
	<-s.done
}

// dispatch fans an event out to every subscriber. A subscriber whose queue
// is full loses the event rather than stalling the engine.
func (c *Coordinator) dispatch(fn func(Observer)) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, s := range c.subscribers {
		select {
		case s.queue <- fn:
		default:
			c.logger.WithField("subscriber", s.id).Warn("Observer queue full, dropping event")
		}
	}
}
