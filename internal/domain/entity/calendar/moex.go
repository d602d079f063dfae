package calendar

import "time"

// MOEX builds the Moscow Exchange schedule with its full effective-date
// history for shares and futures. All clock offsets are UTC.
func MOEX() *Schedule {
	s, err := NewSchedule(Config{
		Name:            "moex",
		StartDate:       date(2018, 3, 9),
		WorkingHours:    moexWorkingHours(),
		Breaks:          moexBreaks(),
		Sessions:        moexSessions(),
		Holidays:        moexHolidays(),
		WorkingWeekends: moexWorkingWeekends(),
	})
	if err != nil {
		// Static data; an error here is a programming mistake.
		panic(err)
	}
	return s
}

func moexWorkingHours() map[InstrumentClass][]Fact[Window] {
	return map[InstrumentClass][]Fact[Window]{
		ClassShare: {
			{date(2018, 3, 9), Window{at(13, 59), dur(10, 1)}},
			{date(2018, 3, 13), Window{at(6, 59), dur(17, 1)}},
			// 15:46 is the closing time.
			{date(2018, 6, 8), Window{at(6, 59), dur(8, 47)}},
			{date(2020, 6, 22), Window{at(6, 59), dur(13, 51)}},
			{date(2021, 12, 6), Window{at(3, 59), dur(16, 51)}},
			{date(2022, 2, 25), Window{at(6, 59), dur(13, 51)}},
			{date(2022, 3, 24), Window{at(6, 59), dur(3, 51)}},
			{date(2022, 3, 31), Window{at(6, 59), dur(8, 47)}},
			{date(2022, 9, 12), Window{at(6, 59), dur(13, 51)}},
			{date(2024, 8, 14), Window{at(3, 59), dur(16, 51)}},
		},
		ClassFuture: {
			{time.Time{}, Window{at(7, 0), dur(9, 50)}},
			{date(2022, 7, 12), Window{at(7, 0), dur(13, 50)}},
			{date(2022, 9, 12), Window{at(5, 59), dur(14, 51)}},
			{date(2024, 6, 13), Window{at(6, 59), dur(13, 51)}},
		},
	}
}

func moexBreaks() map[InstrumentClass][]Fact[[]Window] {
	return map[InstrumentClass][]Fact[[]Window]{
		ClassShare: {
			{date(2018, 3, 9), nil},
			{date(2018, 3, 13), []Window{{at(7, 20), dur(0, 10)}, {at(7, 40), dur(6, 19)}}},
			{date(2018, 6, 8), []Window{{at(15, 40), dur(0, 5)}}},
			{date(2020, 6, 22), []Window{{at(15, 40), dur(0, 24)}}},
			{date(2022, 3, 24), nil},
			{date(2022, 3, 31), []Window{{at(15, 40), dur(0, 5)}}},
			{date(2022, 9, 12), []Window{{at(15, 40), dur(0, 24)}}},
		},
		ClassFuture: {
			{time.Time{}, []Window{{at(11, 0), dur(0, 5)}}},
			{date(2022, 9, 12), []Window{{at(11, 0), dur(0, 5)}, {at(15, 50), dur(0, 15)}}},
		},
	}
}

func moexSessions() map[InstrumentClass][]Fact[map[SessionName]SessionWindow] {
	return map[InstrumentClass][]Fact[map[SessionName]SessionWindow]{
		ClassShare: {
			{date(2018, 3, 9), map[SessionName]SessionWindow{
				SessionMain: {Window{at(13, 59), dur(10, 1)}, true, false},
			}},
			{date(2018, 3, 13), map[SessionName]SessionWindow{
				SessionPremarket: {Window{at(6, 59), dur(0, 41)}, true, false},
				SessionMain:      {Window{at(13, 59), dur(10, 1)}, true, false},
			}},
			{date(2018, 6, 8), map[SessionName]SessionWindow{
				SessionMain: {Window{at(6, 59), dur(8, 47)}, true, true},
			}},
			{date(2020, 6, 22), map[SessionName]SessionWindow{
				SessionMain:       {Window{at(6, 59), dur(8, 41)}, true, false},
				SessionAfterhours: {Window{at(16, 4), dur(4, 46)}, true, false},
			}},
			{date(2021, 12, 6), map[SessionName]SessionWindow{
				SessionPremarket:  {Window{at(3, 59), dur(3, 1)}, true, false},
				SessionMain:       {Window{at(7, 0), dur(8, 40)}, true, false},
				SessionAfterhours: {Window{at(16, 4), dur(4, 46)}, true, false},
			}},
			{date(2022, 2, 25), map[SessionName]SessionWindow{
				SessionMain:       {Window{at(6, 59), dur(8, 41)}, true, false},
				SessionAfterhours: {Window{at(16, 4), dur(4, 46)}, true, false},
			}},
			{date(2022, 3, 24), map[SessionName]SessionWindow{
				SessionMain: {Window{at(6, 59), dur(3, 41)}, true, false},
			}},
			{date(2022, 3, 31), map[SessionName]SessionWindow{
				SessionMain: {Window{at(6, 59), dur(8, 47)}, true, true},
			}},
			{date(2022, 9, 12), map[SessionName]SessionWindow{
				SessionMain:       {Window{at(6, 59), dur(8, 41)}, true, false},
				SessionAfterhours: {Window{at(16, 4), dur(4, 46)}, true, false},
			}},
			{date(2024, 8, 14), map[SessionName]SessionWindow{
				SessionPremarket:  {Window{at(3, 59), dur(3, 1)}, true, false},
				SessionMain:       {Window{at(7, 0), dur(8, 40)}, true, false},
				SessionAfterhours: {Window{at(16, 4), dur(4, 46)}, true, false},
			}},
		},
		ClassFuture: {
			{time.Time{}, map[SessionName]SessionWindow{
				SessionMain: {Window{at(7, 0), dur(9, 50)}, true, true},
			}},
			{date(2022, 7, 12), map[SessionName]SessionWindow{
				SessionMain: {Window{at(7, 0), dur(13, 50)}, true, false},
			}},
			{date(2022, 9, 12), map[SessionName]SessionWindow{
				SessionPremarket:  {Window{at(5, 59), dur(0, 1)}, true, false},
				SessionMain:       {Window{at(6, 0), dur(10, 5)}, false, false},
				SessionAfterhours: {Window{at(16, 5), dur(4, 45)}, false, false},
			}},
			{date(2024, 6, 13), map[SessionName]SessionWindow{
				SessionPremarket:  {Window{at(6, 59), dur(0, 1)}, true, false},
				SessionMain:       {Window{at(7, 0), dur(9, 5)}, false, false},
				SessionAfterhours: {Window{at(16, 5), dur(4, 45)}, false, false},
			}},
		},
	}
}

func moexHolidays() []time.Time {
	var days []time.Time
	for year := 2017; year < 2030; year++ {
		days = append(days,
			date(year, 1, 1), date(year, 1, 2), date(year, 1, 7),
			date(year, 2, 23), date(year, 3, 8),
			date(year, 5, 1), date(year, 5, 9),
			date(year, 6, 12), date(year, 11, 4),
		)
	}
	// Trading halt of spring 2022.
	for day := 26; day <= 28; day++ {
		days = append(days, date(2022, 2, day))
	}
	for day := 1; day < 24; day++ {
		days = append(days, date(2022, 3, day))
	}
	return days
}

func moexWorkingWeekends() []time.Time {
	return []time.Time{
		date(2022, 3, 5),
		date(2024, 4, 27),
		date(2024, 11, 2),
		date(2024, 12, 28),
	}
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func at(hour, minute int) time.Duration {
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute
}

func dur(hours, minutes int) time.Duration {
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
}
