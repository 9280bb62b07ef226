package kconf

import (
	"github.com/fsnotify/fsnotify"

	"github.com/h2o-os/h2o/internal/kernel/klog"
)

// Watch reloads the parameter file whenever it changes, swapping the
// store's live set on success. A file that fails to parse keeps the old
// parameters. The returned stop function ends the watch.
func (s *Store) Watch(path string) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	log := klog.Sub("kconf")

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := Load(path)
				if err != nil {
					log.Warn("reload failed", klog.String("path", path), klog.Any("err", err))
					continue
				}
				s.swap(p)
				log.Info("parameters reloaded", klog.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("watch error", klog.Any("err", err))
			}
		}
	}()
	return func() { w.Close() }, nil
}
