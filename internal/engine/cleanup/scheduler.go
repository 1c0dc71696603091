// Package cleanup corre tareas periódicas de limpieza registradas por los
// plugins (tokens vencidos, códigos usados, sesiones muertas).
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SOG-web/reauth/internal/metrics"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/storage"
)

// Task es una unidad de limpieza registrada por un plugin.
type Task struct {
	Name       string
	PluginName string
	Interval   time.Duration
	Enabled    bool
	Config     map[string]any
	Run        func(ctx context.Context, orm storage.Orm, cfg map[string]any) (Result, error)
}

// Result reporta filas borradas por categoría. Los errores parciales no
// frenan el resto de la corrida.
type Result struct {
	Cleaned map[string]int64
	Errors  []error
}

func (r *Result) Add(category string, n int64) {
	if r.Cleaned == nil {
		r.Cleaned = map[string]int64{}
	}
	r.Cleaned[category] += n
}

const minInterval = time.Minute

// Scheduler corre cada task en su propio ticker. Tasks del mismo plugin con
// el mismo nombre: la última registrada gana.
type Scheduler struct {
	orm storage.Orm

	mu    sync.Mutex
	tasks map[string]Task // key plugin/name

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(orm storage.Orm) *Scheduler {
	return &Scheduler{orm: orm, tasks: map[string]Task{}}
}

func (s *Scheduler) Register(t Task) {
	if t.Interval < minInterval {
		t.Interval = minInterval
	}
	s.mu.Lock()
	s.tasks[t.PluginName+"/"+t.Name] = t
	s.mu.Unlock()
}

// Tasks devuelve las tareas registradas en orden estable.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Task, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.tasks[k])
	}
	return out
}

// Start lanza un goroutine por task habilitada. Idempotente: llamar dos veces
// sin Stop en el medio no duplica tickers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Enabled {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(t.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runTask(ctx, t)
				}
			}
		}()
	}
}

// Stop frena los tickers y espera a que terminen las corridas en vuelo.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunOnce corre todas las tareas habilitadas una vez, secuencial. Pensado
// para tests y para el comando de mantenimiento.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]Result {
	out := map[string]Result{}
	for _, t := range s.Tasks() {
		if !t.Enabled {
			continue
		}
		out[t.PluginName+"/"+t.Name] = s.runTask(ctx, t)
	}
	return out
}

func (s *Scheduler) runTask(ctx context.Context, t Task) (res Result) {
	log := logger.With(
		logger.Layer("cleanup"),
		logger.Plugin(t.PluginName),
		logger.Task(t.Name),
	)
	defer func() {
		if r := recover(); r != nil {
			res.Errors = append(res.Errors, fmt.Errorf("cleanup task panic: %v", r))
			metrics.CleanupRuns.WithLabelValues(t.PluginName, t.Name, "panic").Inc()
			log.Error("tarea de limpieza hizo panic", logger.Any("panic", r))
		}
	}()

	res, err := t.Run(ctx, s.orm, t.Config)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}

	status := "ok"
	if len(res.Errors) > 0 {
		status = "error"
		for _, e := range res.Errors {
			log.Warn("error parcial en limpieza", logger.Err(e))
		}
	}
	metrics.CleanupRuns.WithLabelValues(t.PluginName, t.Name, status).Inc()

	var total int64
	for cat, n := range res.Cleaned {
		total += n
		metrics.CleanupRowsDeleted.WithLabelValues(t.PluginName, cat).Add(float64(n))
	}
	if total > 0 {
		log.Info("limpieza completada", logger.Count64(total))
	}
	return res
}
