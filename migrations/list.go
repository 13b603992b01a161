package migrations

var migrations = []migration{
	{"001_actors", actors},
	{"002_followers", followers},
	{"003_activities", activities},
	{"004_deliveries", deliveries},
	{"005_deliverylog", deliverylog},
	{"006_posts", posts},
	{"007_jobs", jobs},
}
