/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"math/rand"
)

// Item is one entry in the catalog players guess the price of.
type Item struct {
	ID          string
	Name        string
	Description string
	Price       float64
	Image       string
}

// seedItems returns the full catalog. A game draws from a copy of this
// list, so one session's draws never affect another's.
func seedItems() []Item {
	return []Item{
		{ID: "1", Name: "Smartphone", Description: "Neuwertiges Smartphone, 128GB Speicher", Price: 1099.99, Image: "phone.jpg"},
		{ID: "2", Name: "Kaffeemaschine", Description: "Premium Kaffeemaschine mit Milchaufschäumer", Price: 449.50, Image: "coffee.jpg"},
		{ID: "3", Name: "Bürostuhl", Description: "Ergonomischer Bürostuhl, schwarz", Price: 389.00, Image: "chair.jpg"},
		{ID: "4", Name: "Kopfhörer", Description: "Noise-Cancelling Kopfhörer", Price: 179.99, Image: "headphones.jpg"},
		{ID: "5", Name: "Fahrrad", Description: "Mountainbike", Price: 1349.00, Image: "bike.jpg"},
	}
}

// deck is the mutable list of items remaining in the current game.
type deck struct {
	items []Item
}

func newDeck() *deck {
	return &deck{items: seedItems()}
}

// draw removes and returns a uniformly random remaining item.
// The second return is false once the deck is empty.
func (d *deck) draw() (Item, bool) {
	if len(d.items) == 0 {
		return Item{}, false
	}

	i := rand.Intn(len(d.items))
	item := d.items[i]
	d.items = append(d.items[:i], d.items[i+1:]...)

	return item, true
}

// reset restores the full catalog, discarding whatever remained.
func (d *deck) reset() {
	d.items = seedItems()
}

func (d *deck) remaining() int {
	return len(d.items)
}
