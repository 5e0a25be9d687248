package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/annel0/field-sync/internal/eventbus"
)

const defaultServerAddr = "nats://127.0.0.1:4222"

// event-cli — диагностическая утилита для стрима полевых событий.
// Команды:
//   tail  — печатает события по мере поступления (как tail -f)
//   stats — сводка по стриму FIELD_EVENTS
//   types — список известных типов событий
func main() {
	var (
		serverAddr = flag.String("server", defaultServerAddr, "адрес NATS сервера")
		command    = flag.String("cmd", "tail", "команда: tail, stats, types")
		eventTypes = flag.String("types", "", "фильтр типов событий (через запятую)")
		workOrder  = flag.String("order", "", "фильтр по наряду")
		since      = flag.String("since", "", "переиграть события за период (например 1h, 30m)")
		stream     = flag.String("stream", "FIELD_EVENTS", "имя JetStream стрима")
	)
	flag.Parse()

	switch *command {
	case "types":
		printTypes()
		return
	case "tail", "stats":
	default:
		log.Fatalf("❌ Неизвестная команда: %s", *command)
	}

	nc, err := nats.Connect(*serverAddr)
	if err != nil {
		log.Fatalf("❌ Не удалось подключиться к NATS: %v", err)
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("❌ JetStream недоступен: %v", err)
	}

	if *command == "stats" {
		printStats(js, *stream)
		return
	}

	tailEvents(js, tailOptions{
		Types:     parseStringList(*eventTypes),
		WorkOrder: *workOrder,
		Since:     *since,
	})
}

type tailOptions struct {
	Types     []string
	WorkOrder string
	Since     string
}

func tailEvents(js nats.JetStreamContext, opts tailOptions) {
	subOpts := []nats.SubOpt{nats.DeliverNew()}
	if opts.Since != "" {
		d, err := time.ParseDuration(opts.Since)
		if err != nil {
			log.Fatalf("❌ Неверный период -since: %v", err)
		}
		subOpts = []nats.SubOpt{nats.StartTime(time.Now().Add(-d))}
	}

	typeSet := make(map[string]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = struct{}{}
	}

	sub, err := js.Subscribe("field.*", func(msg *nats.Msg) {
		var env eventbus.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			fmt.Printf("?? не удалось разобрать сообщение на %s: %v\n", msg.Subject, err)
			return
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[env.EventType]; !ok {
				return
			}
		}
		if opts.WorkOrder != "" && env.WorkOrderID != opts.WorkOrder {
			return
		}
		fmt.Printf("%s  %-20s наряд=%-12s от=%s приоритет=%d байт=%d\n",
			env.Timestamp.Format("15:04:05.000"), env.EventType, env.WorkOrderID,
			env.Source, env.Priority, len(env.Payload))
	}, subOpts...)
	if err != nil {
		log.Fatalf("❌ Подписка не удалась: %v", err)
	}
	defer sub.Unsubscribe()

	fmt.Println("📡 Слушаем field.* ... (Ctrl+C для выхода)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func printStats(js nats.JetStreamContext, stream string) {
	info, err := js.StreamInfo(stream)
	if err != nil {
		log.Fatalf("❌ Стрим %s недоступен: %v", stream, err)
	}

	fmt.Printf("Стрим:      %s\n", info.Config.Name)
	fmt.Printf("Темы:       %s\n", strings.Join(info.Config.Subjects, ", "))
	fmt.Printf("Сообщений:  %d\n", info.State.Msgs)
	fmt.Printf("Байт:       %d\n", info.State.Bytes)
	fmt.Printf("Первое:     %s\n", info.State.FirstTime.Format(time.RFC3339))
	fmt.Printf("Последнее:  %s\n", info.State.LastTime.Format(time.RFC3339))
	fmt.Printf("Потребител: %d\n", info.State.Consumers)
}

func printTypes() {
	types := []string{
		"location_update — обновление геопозиции секции",
		"progress_update — обновление процента выполнения",
		"status_change   — смена статуса секции",
		"authoritative_state — авторитетный снимок от центра",
		"resolution      — итог реконсиляции на устройстве",
		"sync_batch      — батч локальных изменений устройства",
	}
	for _, t := range types {
		fmt.Println("  " + t)
	}
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
