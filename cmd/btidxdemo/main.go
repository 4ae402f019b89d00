// Command btidxdemo walks through the basic lifecycle of the index engine:
// open a data table, build a secondary index over one of its columns,
// insert and delete rows, and run a range scan.
package main

import (
	"context"
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/bobboyms/btreeidx/pkg/btidx"
	"github.com/bobboyms/btreeidx/pkg/datatable"
	"github.com/bobboyms/btreeidx/pkg/idxcache"
	"github.com/bobboyms/btreeidx/pkg/opclass"
	"github.com/bobboyms/btreeidx/pkg/scan"
)

const virtualTableID = 1

func main() {
	cleanup()
	defer cleanup()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	table, err := datatable.Open("demo_products")
	if err != nil {
		log.Fatalw("open table", "err", err)
	}
	defer table.Close()

	cache := idxcache.New(8192, 64*1024, nil, log)

	idxPath := btidx.FileName("demo_products", virtualTableID, 0, opclass.EQ)
	idx, err := btidx.Open(idxPath, table.Generation(), opclass.EQ, btidx.DefaultOptions(), cache, log)
	if err != nil {
		log.Fatalw("open index", "err", err)
	}
	defer idx.Close()

	fmt.Println("=== Insert ===")
	products := []struct {
		name  string
		price float64
	}{
		{"Laptop", 2500.00},
		{"Mouse", 50.00},
		{"Keyboard", 150.00},
		{"Monitor", 800.00},
	}
	var offsets []int64
	for _, p := range products {
		off, err := table.WriteRecord(virtualTableID, bson.D{
			{Key: "name", Value: p.name},
			{Key: "price", Value: p.price},
		})
		if err != nil {
			log.Fatalw("write record", "err", err)
		}
		offsets = append(offsets, off)
		fmt.Printf("inserted %q at offset %d\n", p.name, off)
	}

	fmt.Println("\n=== Delete ===")
	if err := table.Delete(offsets[3]); err != nil {
		log.Fatalw("delete record", "err", err)
	}
	fmt.Println("deleted Monitor")

	fmt.Println("\n=== Scan ===")
	driver := scan.New(idx, table, virtualTableID, "name")
	lo := &btidx.Element{Data: padKey("Keyboard"), StoredLen: int16(len("Keyboard"))}
	hi := &btidx.Element{Data: padKey("Mouse"), StoredLen: int16(len("Mouse"))}

	results, err := driver.Run(context.Background(), lo, hi, func(m scan.Match) scan.Decision {
		return scan.Keep
	})
	if err != nil {
		log.Fatalw("scan", "err", err)
	}
	for _, m := range results {
		fmt.Printf("match at offset %d (hash=%x, size=%d)\n", m.Pos.Ro, m.Record.Hash, m.Record.Size)
	}
}

func padKey(s string) []byte {
	buf := make([]byte, 8)
	copy(buf, s)
	return buf
}

func cleanup() {
	matches, _ := os.ReadDir(".")
	for _, m := range matches {
		name := m.Name()
		if len(name) >= len("demo_products") && name[:len("demo_products")] == "demo_products" {
			os.Remove(name)
		}
	}
}
