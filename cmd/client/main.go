package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/fluxlog/spu/internal/batch"
	"github.com/fluxlog/spu/internal/client"
)

const (
	totalRecords  = 1000        // total records to send
	maxBatchSize  = 50          // max records per batch (randomized)
	fetchMaxBytes = 1024 * 1024 // fetch buffer size (1MB)
)

// main is a demo produce/fetch harness against a single SPU's client
// ingress, used to sanity-check the on-disk batch format end to end.
func main() {
	rand.Seed(time.Now().UnixNano())

	fmt.Println("Connecting to SPU...")
	c, err := client.NewClient(client.Config{
		BrokerAddr: "localhost:9005",
		ClientID:   "test-producer-1",
	})
	if err != nil {
		log.Fatalf("connection failed: %v", err)
	}
	defer c.Close()

	fmt.Printf("\nSTARTING PRODUCE PHASE (target: %d records)\n", totalRecords)
	fmt.Println("---------------------------------------------------")

	var sentOffsets []int64
	totalSent := 0
	batchCount := 0
	startTime := time.Now()

	for totalSent < totalRecords {
		currentBatchSize := rand.Intn(maxBatchSize) + 1
		if totalSent+currentBatchSize > totalRecords {
			currentBatchSize = totalRecords - totalSent
		}

		builder := client.NewRecordBatchBuilder()
		for i := 0; i < currentBatchSize; i++ {
			msgNum := totalSent + i + 1
			key := []byte(fmt.Sprintf("k-%d", msgNum))
			val := []byte(fmt.Sprintf("hello spu #%d", msgNum))
			builder.Add(key, val)
		}

		recordBatch := &batch.Batch{Payload: builder.Build()}
		offset, err := c.Produce(recordBatch)
		if err != nil {
			log.Fatalf("produce failed at batch #%d: %v", batchCount, err)
		}

		sentOffsets = append(sentOffsets, offset)
		totalSent += currentBatchSize
		batchCount++

		fmt.Printf("\r[Produce] Batch #%03d | Size: %2d | Stored at Offset: %4d | Progress: %4d/%d",
			batchCount, currentBatchSize, offset, totalSent, totalRecords)

		time.Sleep(2 * time.Millisecond)
	}

	duration := time.Since(startTime)
	fmt.Printf("\n\nPRODUCE COMPLETE: %d records in %d batches (%v)\n", totalSent, batchCount, duration)

	fmt.Printf("\nSTARTING FETCH & DECODE PHASE\n")
	fmt.Println("---------------------------------------------------")

	successCount := 0
	for i, offset := range sentOffsets {
		data, err := c.Fetch(offset, fetchMaxBytes)
		if err != nil {
			log.Printf("fetch failed for batch #%d (offset %d): %v", i, offset, err)
			continue
		}
		if len(data) == 0 {
			fmt.Printf("empty response for batch #%d (offset %d)\n", i, offset)
			continue
		}

		records, err := client.DecodeBatch(data)
		if err != nil {
			fmt.Printf("decode failed for batch #%d: %v\n", i, err)
			continue
		}
		successCount++

		if i == 0 || i == len(sentOffsets)-1 {
			fmt.Printf("[Verify] Batch #%d (base offset %d) -> decoded %d records:\n", i, offset, len(records))
			for j, r := range records {
				if j >= 3 {
					fmt.Printf("    ... (skip %d records)\n", len(records)-3)
					break
				}
				fmt.Printf("    [%d] offset: %d | key: %-5s | value: %s\n", j, r.Offset, r.Key, r.Value)
			}
			fmt.Println("    --------------------------------")
		}
	}

	fmt.Println("\nREPORT")
	fmt.Println("---------------------------------------------------")
	fmt.Printf("Total batches sent: %d\n", len(sentOffsets))
	fmt.Printf("Total batches read: %d\n", successCount)
	if successCount != len(sentOffsets) {
		fmt.Printf("FAILED: %d batch(es) could not be read back\n", len(sentOffsets)-successCount)
	}
}
