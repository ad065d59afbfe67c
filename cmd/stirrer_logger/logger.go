// Command stirrer_logger records every status pushed by a stirrer server
// into InfluxDB.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

const measurement = "stirrer.status"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := influxdb2.NewClient(getenv("INFLUX_SERVER", "http://localhost:9999"), os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	writeApi := client.WriteApi(getenv("INFLUX_ORG", "w1xm"), getenv("INFLUX_BUCKET", "stirrer.raw"))
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("write error: %v", err)
		}
	}()

	addr := getenv("STIRRER_ADDRESS", "ws://localhost:8502/api/ws")
	for ctx.Err() == nil {
		if err := logData(ctx, addr, writeApi); err != nil {
			log.Print(err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(1 * time.Second):
		}
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}

// statusFields flattens one websocket message. Command results are not
// status and yield nil.
func statusFields(msg map[string]interface{}) map[string]interface{} {
	if _, ok := msg["command"]; ok {
		return nil
	}
	fields := make(map[string]interface{})
	flattenStatus(fields, msg, "")
	return fields
}

// closeOnCancel closes c when ctx is cancelled. The returned stop ends the
// watch without closing c and waits for it to exit.
func closeOnCancel(ctx context.Context, c io.Closer) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func logData(ctx context.Context, addr string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer closeOnCancel(ctx, conn)()
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fields := statusFields(msg)
		if len(fields) == 0 {
			continue
		}
		writeApi.WritePoint(influxdb2.NewPoint(measurement, nil, fields, time.Now()))
	}
}
