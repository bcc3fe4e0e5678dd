package store

import "sort"

func sortPriceSlots(s []PriceSlot) {
	sort.Slice(s, func(i, j int) bool { return s[i].SlotTS < s[j].SlotTS })
}

func sortConsumption(s []ConsumptionSample) {
	sort.Slice(s, func(i, j int) bool { return s[i].HourTS < s[j].HourTS })
}

func sortSchedule(s []ScheduleSlot) {
	sort.Slice(s, func(i, j int) bool { return s[i].SlotTS < s[j].SlotTS })
}
