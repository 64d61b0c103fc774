// rooms.go defines the central datastructure that keeps track of the relay participants.
package server

import (
	"errors"
	"sort"
	"sync"
)

var ErrDuplicateIdentity = errors.New("identity already present in room")

// Participant is a joined relay connection. Out carries encoded messages to it.
type Participant struct {
	Identity string
	Out      chan []byte
	done     chan struct{}
	once     sync.Once
}

func NewParticipant(identity string) *Participant {
	return &Participant{
		Identity: identity,
		Out:      make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

// Done is closed once the participant left.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

func (p *Participant) leave() {
	p.once.Do(func() { close(p.done) })
}

type room struct {
	mu           sync.Mutex
	participants map[string]*Participant
}

type Rooms struct{ *sync.Map }

func NewRooms() *Rooms {
	return &Rooms{&sync.Map{}}
}

// Join adds p to the named room, allocating the room when needed.
func (rooms *Rooms) Join(name string, p *Participant) error {
	for {
		v, _ := rooms.LoadOrStore(name, &room{participants: make(map[string]*Participant)})
		r := v.(*room)
		r.mu.Lock()
		// the room may have been deallocated between load and lock
		if current, ok := rooms.Load(name); !ok || current != r {
			r.mu.Unlock()
			continue
		}
		defer r.mu.Unlock()
		if _, ok := r.participants[p.Identity]; ok {
			return ErrDuplicateIdentity
		}
		r.participants[p.Identity] = p
		return nil
	}
}

// Leave removes p from the named room and deallocates the room once empty.
func (rooms *Rooms) Leave(name string, p *Participant) {
	p.leave()
	v, ok := rooms.Load(name)
	if !ok {
		return
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.participants[p.Identity] == p {
		delete(r.participants, p.Identity)
	}
	if len(r.participants) == 0 {
		rooms.Delete(name)
	}
}

// Broadcast delivers b to every participant of the room except from.
func (rooms *Rooms) Broadcast(name, from string, b []byte) {
	for _, p := range rooms.recipients(name, from) {
		select {
		case p.Out <- b:
		case <-p.done:
		}
	}
}

// Participants returns the sorted identities in the named room.
func (rooms *Rooms) Participants(name string) []string {
	var ids []string
	for _, p := range rooms.recipients(name, "") {
		ids = append(ids, p.Identity)
	}
	sort.Strings(ids)
	return ids
}

func (rooms *Rooms) recipients(name, except string) []*Participant {
	v, ok := rooms.Load(name)
	if !ok {
		return nil
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Participant, 0, len(r.participants))
	for id, p := range r.participants {
		if id != except {
			out = append(out, p)
		}
	}
	return out
}
