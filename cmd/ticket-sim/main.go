package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"maintdesk/go-ticket-server/internal/model"
	"maintdesk/go-ticket-server/internal/mqttbus"
)

var (
	locations = []string{"Lobby", "Stairwell B", "Unit 4C", "Parking level 2", "Laundry room", "Roof access"}
	problems  = []string{
		"Light fixture flickering",
		"Water pooling under sink",
		"Door closer broken",
		"Heater not turning on",
		"Elevator button unresponsive",
		"Smoke detector chirping",
	}
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	buildingID := flag.String("building-id", "building-1", "Building the simulated kiosk reports for")
	userID := flag.String("user-id", "kiosk-sim", "Reporter recorded on generated tickets")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published tickets")
	count := flag.Int("count", 0, "Stop after publishing this many tickets (0 runs until interrupted)")

	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-ticket-sim-%d", *buildingID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := mqttbus.SubmissionTopic(*buildingID)
	sent := 0

	publish := func() {
		payload := model.TicketPayload{
			BuildingID:  *buildingID,
			UserID:      *userID,
			Location:    locations[rng.Intn(len(locations))],
			Description: problems[rng.Intn(len(problems))],
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		sent++
		log.Printf("published %s location=%q", topic, payload.Location)
	}

	publish()

	for *count <= 0 || sent < *count {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
	client.Disconnect(250)
}
