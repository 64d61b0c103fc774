package blob

import "time"

func (d *Dir) SetClock(now func() time.Time) {
	d.now = now
}
