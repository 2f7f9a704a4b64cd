package kv_test

import (
	"context"
	"fmt"
	"log"

	"github.com/erlorenz/go-kvstore/kv"
)

type user struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func Example() {
	ctx := context.Background()

	store, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[user]{})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if _, err := store.Set(ctx, "user:1", user{Name: "Alice", Age: 30}); err != nil {
		log.Fatal(err)
	}

	u, found, err := store.Get(ctx, "user:1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(u.Name, u.Age, found)

	_, found, err = store.Get(ctx, "user:2")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(found)

	// Output:
	// Alice 30 true
	// false
}

func ExampleStore_Transaction() {
	ctx := context.Background()

	store, err := kv.Open(ctx, kv.MemoryLocation, kv.JSONCodec[int]{})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	store.Set(ctx, "checking", 100)
	store.Set(ctx, "savings", 20)

	report, err := store.Transaction(ctx, func(tx *kv.Tx[int]) error {
		if _, err := tx.Set("checking", 70); err != nil {
			return err
		}
		_, err := tx.Set("savings", 50)
		return err
	})
	if err != nil {
		log.Fatal(err)
	}

	for i := range report.OldValues {
		fmt.Printf("%s: %d -> %d\n", report.OldValues[i].Key, report.OldValues[i].Value, report.NewValues[i].Value)
	}

	// Output:
	// checking: 100 -> 70
	// savings: 20 -> 50
}

func ExampleStore_SetDurabilityMode() {
	ctx := context.Background()

	store, err := kv.New(ctx, kv.NewMemoryEngine(), kv.JSONCodec[string]{})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println(store.DurabilityMode())

	if err := store.SetDurabilityMode(ctx, kv.DurabilityOff); err != nil {
		log.Fatal(err)
	}
	fmt.Println(store.DurabilityMode())

	// Output:
	// DELETE
	// OFF
}
